package inference

import (
	"context"

	"github.com/khaledhikmat/smartwaste-go/model"
)

// Request is one encoded frame ready to be sent to the detection endpoint.
type Request struct {
	ID     string
	Seq    uint64
	Image  []byte // JPEG
	Width  int
	Height int
}

type Result struct {
	Detections []model.Detection `json:"detections"`
	// Dimensions of the image the endpoint reports it evaluated (0 when absent)
	ImageWidth  int `json:"imageWidth"`
	ImageHeight int `json:"imageHeight"`
}

// IService is the transport used by the dispatcher. Implementations must
// honour ctx cancellation and return *Error values so the caller can decide
// whether to retry.
type IService interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}
