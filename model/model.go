package model

import (
	"fmt"
	"image"
	"runtime/debug"
	"time"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

// Camera identifies a frame source the agent runs against.
type Camera struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	URL        string `json:"url" yaml:"url"` // device index, RTSP URL, video file or image folder
	FramerType string `json:"framerType" yaml:"framerType"`
	FPS        int    `json:"fps" yaml:"fps"`
}

// Frame is one captured image. It must not be modified once handed to the sampler.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Source     string
	Image      image.Image
}

type BoundingBox struct {
	// X and Y are the box centre
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts the centre based box to pixel corners.
func (b BoundingBox) Rect() image.Rectangle {
	left := b.X - b.Width/2
	top := b.Y - b.Height/2
	return image.Rect(int(left), int(top), int(left+b.Width), int(top+b.Height))
}

// Scale maps a box expressed against a (fromW x fromH) image onto a (toW x toH) image.
func (b BoundingBox) Scale(fromW, fromH, toW, toH int) BoundingBox {
	if fromW <= 0 || fromH <= 0 {
		return b
	}
	sx := float64(toW) / float64(fromW)
	sy := float64(toH) / float64(fromH)
	return BoundingBox{
		X:      b.X * sx,
		Y:      b.Y * sy,
		Width:  b.Width * sx,
		Height: b.Height * sy,
	}
}

type Detection struct {
	Label      string      `json:"label"`
	Class      string      `json:"class"`
	ClassID    int         `json:"classId"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
	StatusStale   ResultStatus = "stale"
)

// RequestState is the terminal (or pending) state of one inference request.
type RequestState string

const (
	StatePending   RequestState = "pending"
	StateSucceeded RequestState = "succeeded"
	StateFailed    RequestState = "failed"
	StateTimedOut  RequestState = "timedOut"
	StateCancelled RequestState = "cancelled"
)

func (s RequestState) Terminal() bool {
	return s != StatePending && s != ""
}

// InferenceResult is what presenters render. Values are replaced, never mutated.
type InferenceResult struct {
	Seq         uint64        `json:"seq"`
	Source      string        `json:"source"`
	Status      ResultStatus  `json:"status"`
	Detections  []Detection   `json:"detections"`
	Err         string        `json:"error,omitempty"`
	ErrKind     string        `json:"errorKind,omitempty"`
	RequestID   string        `json:"requestId"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency"`
	ImageWidth  int           `json:"imageWidth"`
	ImageHeight int           `json:"imageHeight"`
	CapturedAt  time.Time     `json:"capturedAt"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Clone returns a copy that shares no slice memory with r.
func (r InferenceResult) Clone() InferenceResult {
	c := r
	if r.Detections != nil {
		c.Detections = make([]Detection, len(r.Detections))
		copy(c.Detections, r.Detections)
	}
	return c
}

type SamplerStats struct {
	Name         string `json:"name"`
	Camera       string `json:"camera"`
	Submitted    uint64 `json:"submitted"`
	Accepted     uint64 `json:"accepted"`
	DroppedBusy  uint64 `json:"droppedBusy"`
	DroppedGap   uint64 `json:"droppedGap"`
	DroppedRate  uint64 `json:"droppedRate"`
	InFlight     int    `json:"inFlight"`
	MaxInFlight  int    `json:"maxInFlight"`
	LastAccepted uint64 `json:"lastAccepted"`
	Timestamp    int64  `json:"timestamp"`
}

type DispatcherStats struct {
	Name              string            `json:"name"`
	Camera            string            `json:"camera"`
	Requests          uint64            `json:"requests"`
	Attempts          uint64            `json:"attempts"`
	Retries           uint64            `json:"retries"`
	Succeeded         uint64            `json:"succeeded"`
	Failed            uint64            `json:"failed"`
	TimedOut          uint64            `json:"timedOut"`
	Cancelled         uint64            `json:"cancelled"`
	FailuresByKind    map[string]uint64 `json:"failuresByKind"`
	InFlight          int               `json:"inFlight"`
	AvgLatencySeconds float64           `json:"avgLatency"`
	Timestamp         int64             `json:"timestamp"`
}

type CorrelatorStats struct {
	Name             string `json:"name"`
	Camera           string `json:"camera"`
	Published        uint64 `json:"published"`
	Failures         uint64 `json:"failures"`
	Stale            uint64 `json:"stale"`
	Cancelled        uint64 `json:"cancelled"`
	LastDisplayedSeq uint64 `json:"lastDisplayedSeq"`
	Timestamp        int64  `json:"timestamp"`
}

type PresenterStats struct {
	Name      string `json:"name"`
	Camera    string `json:"camera"`
	Presented int    `json:"presented"`
	Errors    int    `json:"errors"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type FramerStats struct {
	Name      string `json:"name"`
	Camera    string `json:"camera"`
	FPS       int    `json:"fps"`
	Frames    int    `json:"frames"`
	Accepted  int    `json:"accepted"`
	Errors    int    `json:"errors"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type AgentStats struct {
	ID        string `json:"id"`     // Agent ID
	Camera    string `json:"camera"` // Camera name
	Uptime    int64  `json:"uptime"` // Uptime of the agent
	Timestamp int64  `json:"timestamp"`
}
