package vision

import (
	"image"

	"github.com/khaledhikmat/smartwaste-go/model"
)

// Capture is an open camera, stream or video file.
type Capture interface {
	Read() (image.Image, error)
	Close() error
}

type IService interface {
	// OpenCapture accepts a device index ("0"), an RTSP/HTTP URL or a video file.
	OpenCapture(url string) (Capture, error)
	// WriteAnnotated draws the detections of result onto img and writes it to path.
	WriteAnnotated(path string, img image.Image, result model.InferenceResult) error
}
