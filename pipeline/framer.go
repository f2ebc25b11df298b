package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

const (
	FramerTypeCapture = "capture"
	FramerTypeRandom  = "random"
	FramerTypeFolder  = "folder"

	defaultFPS = 15
	// Consecutive read failures after which a capture is considered finished
	maxReadErrors = 30
)

var framerProcs = map[string]Framer{
	FramerTypeCapture: captureFramer,
	FramerTypeRandom:  randomFramer,
	FramerTypeFolder:  folderFramer,
}

// framerFor picks the framer for camera. Unknown types fall back to capture.
func framerFor(camera model.Camera) Framer {
	if f, ok := framerProcs[camera.FramerType]; ok {
		return f
	}
	return captureFramer
}

// framerRun tracks the counters every framer reports when it exits.
type framerRun struct {
	name      string
	camera    string
	startTime time.Time
	seq       uint64
	frames    int
	accepted  int
	errors    int
}

func newFramerRun(svcs ServicesFactory, name string, camera model.Camera) *framerRun {
	return &framerRun{
		name:      name,
		camera:    camera.Name,
		startTime: svcs.Clock.Now(),
	}
}

// emit hands one image to push with the next sequence number.
func (r *framerRun) emit(svcs ServicesFactory, camera model.Camera, img image.Image, push FrameFunc) {
	r.seq++
	r.frames++

	frame := model.Frame{
		Seq:        r.seq,
		CapturedAt: svcs.Clock.Now(),
		Source:     camera.Name,
		Image:      img,
	}
	if push(frame) {
		r.accepted++
	}
}

func (r *framerRun) stats(svcs ServicesFactory) model.FramerStats {
	uptime := int64(svcs.Clock.Since(r.startTime).Seconds())
	fps := 0
	if uptime > 0 {
		fps = int(float64(r.frames) / float64(uptime))
	}

	return model.FramerStats{
		Name:     r.name,
		Camera:   r.camera,
		FPS:      fps,
		Frames:   r.frames,
		Accepted: r.accepted,
		Errors:   r.errors,
		Uptime:   uptime,
	}
}

// pace returns a ticker channel for the camera rate and its stop function.
func pace(svcs ServicesFactory, camera model.Camera) (<-chan time.Time, func()) {
	fps := camera.FPS
	if fps <= 0 {
		fps = defaultFPS
	}

	ticker := svcs.Clock.Ticker(time.Second / time.Duration(fps))
	return ticker.C, ticker.Stop
}

func captureFramer(canx context.Context, svcs ServicesFactory, camera model.Camera, errorStream chan interface{}, statsStream chan interface{}, push FrameFunc) {
	if svcs.VisionSvc == nil {
		errorStream <- model.GenError("agent_capture_framer",
			xerrors.New("no vision service"),
			map[string]interface{}{"camera": camera.Name},
			"capture framer needs a vision service")
		return
	}

	capture, err := svcs.VisionSvc.OpenCapture(camera.URL)
	if err != nil {
		errorStream <- model.GenError("agent_capture_framer",
			err,
			map[string]interface{}{"camera": camera.Name, "url": camera.URL},
			"error opening capture")
		return
	}
	defer capture.Close()

	run := newFramerRun(svcs, "captureFramer", camera)
	defer func() {
		statsStream <- run.stats(svcs)
	}()

	tick, stop := pace(svcs, camera)
	defer stop()

	consecutiveErrors := 0
	for {
		select {
		case <-canx.Done():
			lgr.Logger.Info(
				"captureFramer context cancelled",
				slog.String("camera", camera.Name),
			)
			return

		case <-tick:
			img, err := capture.Read()
			if err != nil {
				run.errors++
				consecutiveErrors++
				if consecutiveErrors >= maxReadErrors {
					errorStream <- model.GenError("agent_capture_framer",
						err,
						map[string]interface{}{"camera": camera.Name, "errors": consecutiveErrors},
						"capture stopped producing frames")
					return
				}
				continue
			}

			consecutiveErrors = 0
			run.emit(svcs, camera, img, push)
		}
	}
}

// randomFramer produces synthetic frames so the pipeline can run without a camera.
func randomFramer(canx context.Context, svcs ServicesFactory, camera model.Camera, _ chan interface{}, statsStream chan interface{}, push FrameFunc) {
	run := newFramerRun(svcs, "randomFramer", camera)
	defer func() {
		statsStream <- run.stats(svcs)
	}()

	rnd := rand.New(rand.NewSource(svcs.Clock.Now().UnixNano()))

	tick, stop := pace(svcs, camera)
	defer stop()

	for {
		select {
		case <-canx.Done():
			lgr.Logger.Info(
				"randomFramer context cancelled",
				slog.String("camera", camera.Name),
			)
			return

		case <-tick:
			run.emit(svcs, camera, randomImage(rnd, 640, 480), push)
		}
	}
}

func randomImage(rnd *rand.Rand, w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{40, 40, 40, 255}}, image.Point{}, draw.Src)

	for i := 0; i < 3; i++ {
		x, y := rnd.Intn(w-40), rnd.Intn(h-40)
		rect := image.Rect(x, y, x+20+rnd.Intn(20), y+20+rnd.Intn(20))
		c := color.RGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255}
		draw.Draw(img, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	return img
}

// folderFramer replays the images of a folder in name order, over and over.
func folderFramer(canx context.Context, svcs ServicesFactory, camera model.Camera, errorStream chan interface{}, statsStream chan interface{}, push FrameFunc) {
	files, err := ListImages(camera.URL)
	if err == nil && len(files) == 0 {
		err = xerrors.Errorf("no images in %s", camera.URL)
	}
	if err != nil {
		errorStream <- model.GenError("agent_folder_framer",
			err,
			map[string]interface{}{"camera": camera.Name, "folder": camera.URL},
			"error listing images")
		return
	}

	run := newFramerRun(svcs, "folderFramer", camera)
	defer func() {
		statsStream <- run.stats(svcs)
	}()

	tick, stop := pace(svcs, camera)
	defer stop()

	for i := 0; ; i = (i + 1) % len(files) {
		select {
		case <-canx.Done():
			lgr.Logger.Info(
				"folderFramer context cancelled",
				slog.String("camera", camera.Name),
			)
			return

		case <-tick:
			img, err := imaging.Open(files[i], imaging.AutoOrientation(true))
			if err != nil {
				run.errors++
				lgr.Logger.Warn(
					"folderFramer cannot read image",
					slog.String("file", files[i]),
					slog.Any("error", err),
				)
				continue
			}

			run.emit(svcs, camera, img, push)
		}
	}
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// ListImages returns the image files of folder sorted by name. A path to a
// single image is returned as is.
func ListImages(folder string) ([]string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []string{folder}, nil
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(folder, entry.Name()))
	}
	sort.Strings(files)

	return files, nil
}
