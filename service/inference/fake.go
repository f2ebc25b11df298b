package inference

import (
	"context"
	"time"

	"github.com/khaledhikmat/smartwaste-go/model"
)

type fakeService struct {
	latency    time.Duration
	detections []model.Detection
}

// NewFake answers every request with the same detections after latency.
// It lets the pipeline run without an API key.
func NewFake(latency time.Duration, detections []model.Detection) IService {
	return &fakeService{
		latency:    latency,
		detections: detections,
	}
}

func (svc *fakeService) Invoke(ctx context.Context, req Request) (Result, error) {
	if svc.latency > 0 {
		timer := time.NewTimer(svc.latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return Result{}, classifyTransport(ctx, ctx.Err())
		case <-timer.C:
		}
	}

	detections := make([]model.Detection, len(svc.detections))
	copy(detections, svc.detections)

	return Result{
		Detections:  detections,
		ImageWidth:  req.Width,
		ImageHeight: req.Height,
	}, nil
}
