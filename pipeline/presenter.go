package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/natefinch/lumberjack"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
	"github.com/khaledhikmat/smartwaste-go/service/publisher"
	"github.com/khaledhikmat/smartwaste-go/service/storage"
	"github.com/khaledhikmat/smartwaste-go/service/vision"
	"github.com/khaledhikmat/smartwaste-go/service/webhook"
)

// Presenter renders the current result. Present is only ever called with a
// result newer than the previous one; a failure result with no detections
// means the previous overlay must be cleared.
type Presenter interface {
	Name() string
	Present(ctx context.Context, result model.InferenceResult) error
	Close() error
}

// ResultMessage is the JSON document sent to logs, webhooks and brokers.
type ResultMessage struct {
	Camera  string `json:"camera"`
	Summary string `json:"summary"`
	model.InferenceResult
}

func newResultMessage(camera string, result model.InferenceResult) ResultMessage {
	return ResultMessage{
		Camera:          camera,
		Summary:         Summary(result),
		InferenceResult: result,
	}
}

// Summary is the one line description shown for a result.
func Summary(result model.InferenceResult) string {
	if result.Status == model.StatusFailure {
		return fmt.Sprintf("Detection failed: %s", result.ErrKind)
	}

	if len(result.Detections) == 0 {
		return "No objects detected"
	}

	parts := lo.Map(result.Detections, func(d model.Detection, _ int) string {
		return fmt.Sprintf("%s (%.1f%%)", d.Label, d.Confidence*100)
	})
	return "Detected: " + strings.Join(parts, ", ")
}

// CloseAll closes every presenter and returns the combined error.
func CloseAll(presenters []Presenter) error {
	var err error
	for _, p := range presenters {
		if cerr := p.Close(); cerr != nil {
			err = multierr.Append(err, xerrors.Errorf("closing presenter %s: %w", p.Name(), cerr))
		}
	}
	return err
}

// presenterStats is embedded by presenters to report model.PresenterStats.
type presenterStats struct {
	mu        sync.Mutex
	name      string
	camera    string
	clk       clock.Clock
	startTime time.Time
	presented int
	errors    int
}

// newPresenterStats falls back to the wall clock when clk is nil.
func newPresenterStats(name, camera string, clk clock.Clock) *presenterStats {
	if clk == nil {
		clk = clock.New()
	}

	return &presenterStats{
		name:      name,
		camera:    camera,
		clk:       clk,
		startTime: clk.Now(),
	}
}

func (s *presenterStats) record(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.errors++
		return err
	}
	s.presented++
	return nil
}

func (s *presenterStats) Name() string {
	return s.name
}

func (s *presenterStats) Stats() model.PresenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return model.PresenterStats{
		Name:      s.name,
		Camera:    s.camera,
		Presented: s.presented,
		Errors:    s.errors,
		Uptime:    int64(s.clk.Since(s.startTime).Seconds()),
		Timestamp: s.clk.Now().Unix(),
	}
}

// LogPresenter prints the detection summary of every result.
type LogPresenter struct {
	*presenterStats
	logger *slog.Logger
}

func NewLogPresenter(camera string, logger *slog.Logger, clk clock.Clock) *LogPresenter {
	if logger == nil {
		logger = lgr.Logger
	}

	return &LogPresenter{
		presenterStats: newPresenterStats("log", camera, clk),
		logger:         logger,
	}
}

func (p *LogPresenter) Present(ctx context.Context, result model.InferenceResult) error {
	level := slog.LevelInfo
	if result.Status == model.StatusFailure {
		level = slog.LevelWarn
	}

	p.logger.Log(ctx, level,
		Summary(result),
		slog.String("camera", p.camera),
		slog.Uint64("seq", result.Seq),
		slog.Int("objects", len(result.Detections)),
		slog.Int("attempts", result.Attempts),
		slog.Duration("latency", result.Latency),
	)

	return p.record(nil)
}

func (p *LogPresenter) Close() error {
	return nil
}

// DetectionLogPresenter appends one JSON line per result to a rotating file.
type DetectionLogPresenter struct {
	*presenterStats
	writeMu sync.Mutex
	out     io.WriteCloser
}

func NewDetectionLogPresenter(camera, filename string, clk clock.Clock) *DetectionLogPresenter {
	return newDetectionLogPresenter(camera, clk, &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	})
}

func newDetectionLogPresenter(camera string, clk clock.Clock, out io.WriteCloser) *DetectionLogPresenter {
	return &DetectionLogPresenter{
		presenterStats: newPresenterStats("detectionLog", camera, clk),
		out:            out,
	}
}

func (p *DetectionLogPresenter) Present(_ context.Context, result model.InferenceResult) error {
	line, err := json.Marshal(newResultMessage(p.camera, result))
	if err != nil {
		return p.record(xerrors.Errorf("marshalling result: %w", err))
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_, err = p.out.Write(append(line, '\n'))
	return p.record(err)
}

func (p *DetectionLogPresenter) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.out.Close()
}

// WebhookPresenter posts results that carry detections. Empty results are
// only posted when they clear a previous detection.
type WebhookPresenter struct {
	*presenterStats
	webhookSvc webhook.IService
	lastHadAny bool
}

func NewWebhookPresenter(camera string, webhookSvc webhook.IService, clk clock.Clock) *WebhookPresenter {
	return &WebhookPresenter{
		presenterStats: newPresenterStats("webhook", camera, clk),
		webhookSvc:     webhookSvc,
	}
}

func (p *WebhookPresenter) Present(ctx context.Context, result model.InferenceResult) error {
	hasAny := len(result.Detections) > 0
	if !hasAny && !p.lastHadAny {
		return nil
	}
	p.lastHadAny = hasAny

	return p.record(p.webhookSvc.Post(ctx, newResultMessage(p.camera, result)))
}

func (p *WebhookPresenter) Close() error {
	return nil
}

// PublisherPresenter publishes every result to {prefix}/{camera}/results.
type PublisherPresenter struct {
	*presenterStats
	publisherSvc publisher.IService
	topic        string
}

func NewPublisherPresenter(camera, topicPrefix string, publisherSvc publisher.IService, clk clock.Clock) *PublisherPresenter {
	return &PublisherPresenter{
		presenterStats: newPresenterStats("publisher", camera, clk),
		publisherSvc:   publisherSvc,
		topic:          fmt.Sprintf("%s/%s/results", strings.TrimSuffix(topicPrefix, "/"), camera),
	}
}

func (p *PublisherPresenter) Present(ctx context.Context, result model.InferenceResult) error {
	payload, err := json.Marshal(newResultMessage(p.camera, result))
	if err != nil {
		return p.record(xerrors.Errorf("marshalling result: %w", err))
	}

	return p.record(p.publisherSvc.Publish(ctx, p.topic, payload))
}

// Close leaves the publisher connected: it is shared by every camera.
func (p *PublisherPresenter) Close() error {
	return nil
}

// AnnotatePresenter writes the frame behind each result with its boxes drawn.
// Frames must be tracked when they are accepted for inference.
type AnnotatePresenter struct {
	*presenterStats
	visionSvc  vision.IService
	storageSvc storage.IService

	framesMu sync.Mutex
	frames   map[uint64]image.Image
}

func NewAnnotatePresenter(camera string, visionSvc vision.IService, storageSvc storage.IService, clk clock.Clock) *AnnotatePresenter {
	return &AnnotatePresenter{
		presenterStats: newPresenterStats("annotate", camera, clk),
		visionSvc:      visionSvc,
		storageSvc:     storageSvc,
		frames:         map[uint64]image.Image{},
	}
}

// Track keeps frame until a result for it, or for a newer frame, is presented.
func (p *AnnotatePresenter) Track(frame model.Frame) {
	p.framesMu.Lock()
	defer p.framesMu.Unlock()

	p.frames[frame.Seq] = frame.Image
}

// Forget drops a tracked frame whose result will never be presented.
func (p *AnnotatePresenter) Forget(seq uint64) {
	p.framesMu.Lock()
	defer p.framesMu.Unlock()

	delete(p.frames, seq)
}

func (p *AnnotatePresenter) take(seq uint64) (image.Image, bool) {
	p.framesMu.Lock()
	defer p.framesMu.Unlock()

	img, ok := p.frames[seq]
	for s := range p.frames {
		if s <= seq {
			delete(p.frames, s)
		}
	}
	return img, ok
}

func (p *AnnotatePresenter) Present(_ context.Context, result model.InferenceResult) error {
	img, ok := p.take(result.Seq)
	if !ok || result.Status != model.StatusSuccess || len(result.Detections) == 0 {
		return nil
	}

	path, err := p.storageSvc.ResultPath(fmt.Sprintf("%s_%06d.jpg", p.camera, result.Seq))
	if err != nil {
		return p.record(err)
	}

	if err := p.visionSvc.WriteAnnotated(path, img, result); err != nil {
		return p.record(err)
	}

	url, err := p.storageSvc.StoreFile(path)
	if err != nil {
		return p.record(err)
	}

	lgr.Logger.Info(
		"annotated result stored",
		slog.String("camera", p.camera),
		slog.Uint64("seq", result.Seq),
		slog.String("url", url),
	)

	return p.record(nil)
}

func (p *AnnotatePresenter) Close() error {
	p.framesMu.Lock()
	defer p.framesMu.Unlock()

	p.frames = map[uint64]image.Image{}
	return nil
}
