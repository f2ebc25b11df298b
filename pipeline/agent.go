package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

// statsReporter is implemented by presenters that keep counters.
type statsReporter interface {
	Stats() model.PresenterStats
}

// Agent runs the inference pipeline for one camera until canx is cancelled:
// framer -> sampler -> dispatcher -> correlator -> presenters.
func Agent(canx context.Context,
	svcs ServicesFactory,
	errorStream chan interface{},
	statsStream chan interface{},
	camera model.Camera) error {
	if svcs.InferenceSvc == nil {
		return xerrors.New("agent needs an inference service")
	}
	if svcs.Clock == nil {
		svcs.Clock = clock.New()
	}

	agentID := uuid.NewString()
	lgr.Logger.Info(
		"agent starting....",
		slog.String("agentID", agentID),
		slog.String("camera", camera.Name),
		slog.String("framerType", camera.FramerType),
		slog.String("url", camera.URL),
	)

	// OTEL stats
	agentStartTime := svcs.Clock.Now()
	agentStats := model.AgentStats{
		ID:     agentID,
		Camera: camera.Name,
	}

	presenters, annotator := newPresenters(svcs, camera)

	sampler := NewSampler(svcs.CfgSvc.GetSamplerParameters(), svcs.Clock)
	sampler.stats.Camera = camera.Name
	correlator := NewCorrelator()
	correlator.stats.Camera = camera.Name

	opts := []DispatcherOption{
		WithCompletion(func(outcome Outcome) {
			sampler.Release(outcome.Seq)
			if !correlator.OnComplete(outcome.Seq, outcome) && annotator != nil {
				annotator.Forget(outcome.Seq)
			}
		}),
	}
	if svcs.Tracer != nil {
		opts = append(opts, WithTracer(svcs.Tracer))
	}
	dispatcher := NewDispatcher(svcs.InferenceSvc, svcs.CfgSvc.GetDispatcherParameters(), opts...)
	dispatcher.stats.Camera = camera.Name

	// A displayed result makes every older request useless
	correlator.Subscribe(func(result model.InferenceResult) {
		if n := dispatcher.CancelOlderThan(result.Seq); n > 0 {
			lgr.Logger.Debug(
				"agent cancelled superseded requests",
				slog.String("camera", camera.Name),
				slog.Uint64("seq", result.Seq),
				slog.Int("cancelled", n),
			)
		}
	})

	push := func(frame model.Frame) bool {
		if !sampler.Submit(frame) {
			return false
		}
		if annotator != nil {
			annotator.Track(frame)
		}
		dispatcher.Dispatch(frame)
		return true
	}

	var wg sync.WaitGroup
	framerCanx, framerCancel := context.WithCancel(canx)
	defer framerCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		framerFor(camera)(framerCanx, svcs, camera, errorStream, statsStream, push)
	}()

	presentCanx, presentCancel := context.WithCancel(context.Background())
	presentDone := make(chan struct{})
	go func() {
		defer close(presentDone)
		_ = correlator.Run(presentCanx, presenters)
	}()

	emitStats := func() {
		agentStats.Uptime = int64(svcs.Clock.Since(agentStartTime).Seconds())
		statsStream <- agentStats
		statsStream <- sampler.Stats()
		statsStream <- dispatcher.Stats()
		statsStream <- correlator.Stats()
		for _, p := range presenters {
			if r, ok := p.(statsReporter); ok {
				statsStream <- r.Stats()
			}
		}
	}

	period := time.Duration(svcs.CfgSvc.GetAgentPeriodicTimeout()) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := svcs.Clock.Ticker(period)
	defer ticker.Stop()

	// Monitor cancellations and emit stats
	for {
		select {
		case <-canx.Done():
			lgr.Logger.Info(
				"agent context cancelled",
				slog.String("camera", camera.Name),
			)
			goto resume

		case <-ticker.C:
			emitStats()
		}
	}

resume:
	framerCancel()
	wg.Wait()

	// In-flight requests resolve as cancelled and are discarded
	err := dispatcher.Close()

	presentCancel()
	<-presentDone

	err = multierr.Append(err, CloseAll(presenters))
	emitStats()

	lgr.Logger.Info(
		"agent stopped",
		slog.String("agentID", agentID),
		slog.String("camera", camera.Name),
	)
	return err
}

// newPresenters builds the presenters enabled by configuration. The annotate
// presenter is returned separately because frames must be tracked for it.
func newPresenters(svcs ServicesFactory, camera model.Camera) ([]Presenter, *AnnotatePresenter) {
	params := svcs.CfgSvc.GetPresenterParameters()

	presenters := []Presenter{NewLogPresenter(camera.Name, nil, svcs.Clock)}

	if params.DetectionLog != "" {
		presenters = append(presenters, NewDetectionLogPresenter(camera.Name, params.DetectionLog, svcs.Clock))
	}

	if svcs.WebhookSvc != nil {
		presenters = append(presenters, NewWebhookPresenter(camera.Name, svcs.WebhookSvc, svcs.Clock))
	}

	if svcs.PublisherSvc != nil {
		presenters = append(presenters, NewPublisherPresenter(camera.Name, params.MQTTTopicPrefix, svcs.PublisherSvc, svcs.Clock))
	}

	var annotator *AnnotatePresenter
	if params.Annotate && svcs.VisionSvc != nil && svcs.StorageSvc != nil {
		annotator = NewAnnotatePresenter(camera.Name, svcs.VisionSvc, svcs.StorageSvc, svcs.Clock)
		presenters = append(presenters, annotator)
	}

	return presenters, annotator
}
