package pipeline

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/data"
	"github.com/khaledhikmat/smartwaste-go/service/inference"
	"github.com/khaledhikmat/smartwaste-go/service/publisher"
	"github.com/khaledhikmat/smartwaste-go/service/storage"
	"github.com/khaledhikmat/smartwaste-go/service/vision"
	"github.com/khaledhikmat/smartwaste-go/service/webhook"
)

// ServicesFactory carries the services shared by every agent. Optional
// services are nil when they are not configured.
type ServicesFactory struct {
	CfgSvc       config.IService
	DataSvc      data.IService
	InferenceSvc inference.IService
	StorageSvc   storage.IService
	VisionSvc    vision.IService    // optional
	WebhookSvc   webhook.IService   // optional
	PublisherSvc publisher.IService // optional
	Clock        clock.Clock
	Tracer       trace.Tracer // optional
}

// FrameFunc receives frames in capture order and reports whether the frame
// was accepted for inference.
type FrameFunc func(frame model.Frame) bool

// Signature of framer function
type Framer func(canx context.Context, svcs ServicesFactory, camera model.Camera, errorStream chan interface{}, statsStream chan interface{}, push FrameFunc)
