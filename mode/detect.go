package mode

import (
	"context"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/pipeline"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

const detectCamera = "detect"

// Detect sends a single image, or every image of a folder, through the
// dispatcher once and writes an annotated copy of each result. The sampler is
// bypassed: every image is inferred.
func Detect(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	if svcs.InferenceSvc == nil {
		return xerrors.New("detect needs an inference service")
	}

	folder := svcs.CfgSvc.GetInputFolder()
	files, err := pipeline.ListImages(folder)
	if err != nil {
		return xerrors.Errorf("listing images in %s: %w", folder, err)
	}
	if len(files) == 0 {
		lgr.Logger.Warn(
			"no images to detect",
			slog.String("folder", folder),
		)
		return nil
	}

	params := svcs.CfgSvc.GetPresenterParameters()
	presenters := []pipeline.Presenter{pipeline.NewLogPresenter(detectCamera, nil, svcs.Clock)}
	if params.DetectionLog != "" {
		presenters = append(presenters, pipeline.NewDetectionLogPresenter(detectCamera, params.DetectionLog, svcs.Clock))
	}

	var opts []pipeline.DispatcherOption
	if svcs.Tracer != nil {
		opts = append(opts, pipeline.WithTracer(svcs.Tracer))
	}
	dispatcher := pipeline.NewDispatcher(svcs.InferenceSvc, svcs.CfgSvc.GetDispatcherParameters(), opts...)

	lgr.Logger.Info(
		"detect starting....",
		slog.String("folder", folder),
		slog.Int("images", len(files)),
	)

	g, ctx := errgroup.WithContext(canxCtx)
	g.SetLimit(svcs.CfgSvc.GetDetectMaxWorkers())

	for i, file := range files {
		seq := uint64(i + 1)
		file := file
		g.Go(func() error {
			return detectFile(ctx, svcs, dispatcher, presenters, seq, file)
		})
	}

	err = g.Wait()
	err = multierr.Append(err, dispatcher.Close())
	err = multierr.Append(err, pipeline.CloseAll(presenters))

	if svcs.DataSvc != nil {
		procStats(svcs.DataSvc, dispatcher.Stats())
	}

	lgr.Logger.Info(
		"detect finished",
		slog.Int("images", len(files)),
	)
	return err
}

// detectFile only returns an error when ctx is done. Anything wrong with the
// image itself is reported and the other images carry on.
func detectFile(ctx context.Context,
	svcs pipeline.ServicesFactory,
	dispatcher *pipeline.Dispatcher,
	presenters []pipeline.Presenter,
	seq uint64,
	file string) error {
	img, err := imaging.Open(file, imaging.AutoOrientation(true))
	if err != nil {
		reportError(svcs, model.GenError("detect",
			err,
			map[string]interface{}{"file": file},
			"opening image %s",
			file))
		return nil
	}

	h := dispatcher.Dispatch(model.Frame{
		Seq:        seq,
		CapturedAt: time.Now(),
		Source:     file,
		Image:      img,
	})

	outcome, err := h.Wait(ctx)
	if err != nil {
		h.Cancel()
		return err
	}

	result := outcome.Result()
	for _, p := range presenters {
		if err := p.Present(ctx, result.Clone()); err != nil {
			lgr.Logger.Error(
				"presenter failed",
				slog.String("presenter", p.Name()),
				slog.String("file", file),
				slog.Any("error", err),
			)
		}
	}

	if result.Status == model.StatusFailure {
		reportError(svcs, model.GenError("detect",
			outcome.Err,
			map[string]interface{}{"file": file, "kind": result.ErrKind, "attempts": result.Attempts},
			"detection failed for %s",
			file))
		return nil
	}

	lgr.Logger.Info(
		"objects detected",
		slog.String("file", file),
		slog.Int("count", len(result.Detections)),
	)

	if svcs.VisionSvc == nil || svcs.StorageSvc == nil {
		return nil
	}

	url, err := annotate(svcs, file, img, result)
	if err != nil {
		reportError(svcs, model.GenError("detect",
			err,
			map[string]interface{}{"file": file},
			"annotating %s",
			file))
		return nil
	}

	lgr.Logger.Info(
		"annotated result stored",
		slog.String("file", file),
		slog.String("url", url),
	)
	return nil
}

// annotate writes <name>_result.jpg next to the other results.
func annotate(svcs pipeline.ServicesFactory, file string, img image.Image, result model.InferenceResult) (string, error) {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	path, err := svcs.StorageSvc.ResultPath(base + "_result.jpg")
	if err != nil {
		return "", err
	}

	if err := svcs.VisionSvc.WriteAnnotated(path, img, result); err != nil {
		return "", err
	}

	return svcs.StorageSvc.StoreFile(path)
}

func reportError(svcs pipeline.ServicesFactory, err model.CustomError) {
	if svcs.DataSvc == nil {
		lgr.Logger.Error(
			"detect error",
			slog.Any("error", err),
		)
		return
	}
	procError(svcs.DataSvc, err)
}
