package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/inference"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

// Outcome is the terminal state of one dispatched frame.
type Outcome struct {
	Seq         uint64
	RequestID   string
	Source      string
	State       model.RequestState
	Detections  []model.Detection
	Err         error
	Attempts    int
	Latency     time.Duration
	ImageWidth  int
	ImageHeight int
	CapturedAt  time.Time
	CompletedAt time.Time
}

// Kind returns the failure kind of the outcome, KindUnknown on success.
func (o Outcome) Kind() inference.Kind {
	if o.Err == nil {
		return inference.KindUnknown
	}
	return inference.KindOf(o.Err)
}

// Handle tracks one in-flight inference request.
type Handle struct {
	id  string
	seq uint64

	cancelled atomic.Bool
	cancel    context.CancelFunc

	done       chan struct{}
	outcome    Outcome
	finishOnce sync.Once
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Seq() uint64 {
	return h.seq
}

// Cancel sets the cancellation token and aborts the HTTP exchange through its
// context. It is safe to call more than once and after completion.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Done is closed once the outcome is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the final outcome. ok is false while the request is pending.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{Seq: h.seq, RequestID: h.id, State: model.StatePending}, false
	}
}

// Wait blocks until the request completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type CompletionFunc func(Outcome)

type DispatcherOption func(*Dispatcher)

// WithCompletion registers the callback run once per request, from the
// request goroutine, before Done is closed.
func WithCompletion(fn CompletionFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.onComplete = fn
	}
}

func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// Dispatcher turns frames into asynchronous inference requests with a per
// attempt timeout and a bounded retry budget.
type Dispatcher struct {
	inferenceSvc inference.IService
	params       config.DispatcherParameters
	tracer       trace.Tracer
	onComplete   CompletionFunc

	canx   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	handles      map[string]*Handle
	stats        model.DispatcherStats
	totalLatency time.Duration
}

func NewDispatcher(inferenceSvc inference.IService, params config.DispatcherParameters, opts ...DispatcherOption) *Dispatcher {
	canx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		inferenceSvc: inferenceSvc,
		params:       params,
		tracer:       noop.NewTracerProvider().Tracer("smartwaste/dispatcher"),
		canx:         canx,
		cancel:       cancel,
		handles:      map[string]*Handle{},
		stats: model.DispatcherStats{
			Name:           "dispatcher",
			FailuresByKind: map[string]uint64{},
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch starts the request for frame and returns immediately. Encoding
// happens on the request goroutine so the capture loop is never blocked.
func (d *Dispatcher) Dispatch(frame model.Frame) *Handle {
	canx, cancel := context.WithCancel(d.canx)
	h := &Handle{
		id:     uuid.NewString(),
		seq:    frame.Seq,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		h.Cancel()
		d.finish(h, Outcome{
			Seq:         frame.Seq,
			RequestID:   h.id,
			Source:      frame.Source,
			State:       model.StateCancelled,
			Err:         inference.NewError(inference.KindCancelled, errors.New("dispatcher closed")),
			CapturedAt:  frame.CapturedAt,
			CompletedAt: time.Now(),
		})
		return h
	}
	d.handles[h.id] = h
	d.stats.Requests++
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(canx, h, frame)

	return h
}

func (d *Dispatcher) run(canx context.Context, h *Handle, frame model.Frame) {
	defer d.wg.Done()

	start := time.Now()
	outcome := Outcome{
		Seq:        frame.Seq,
		RequestID:  h.id,
		Source:     frame.Source,
		CapturedAt: frame.CapturedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			outcome.State = model.StateFailed
			outcome.Err = inference.NewError(inference.KindUnknown, fmt.Errorf("recovered from panic: %v", r))
			outcome.Latency = time.Since(start)
			outcome.CompletedAt = time.Now()
			d.finish(h, outcome)
		}
	}()

	payload, width, height, err := encodeFrame(frame.Image, d.params.MaxImageWidth, d.params.JPEGQuality)
	if err != nil {
		outcome.State = model.StateFailed
		outcome.Err = inference.NewError(inference.KindClientError, err)
		outcome.Latency = time.Since(start)
		outcome.CompletedAt = time.Now()
		d.finish(h, outcome)
		return
	}

	req := inference.Request{
		ID:     h.id,
		Seq:    frame.Seq,
		Image:  payload,
		Width:  width,
		Height: height,
	}

	attempts := 0
	operation := func() (inference.Result, error) {
		attempts++
		d.countAttempt(attempts > 1)
		return d.attempt(canx, h, req, attempts)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.params.RetryDelay), uint64(max(d.params.MaxRetries, 0))),
		canx,
	)

	notify := func(err error, wait time.Duration) {
		lgr.Logger.Debug(
			"dispatcher.retry",
			slog.String("request", h.id),
			slog.Uint64("seq", frame.Seq),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	res, err := backoff.RetryNotifyWithData(operation, policy, notify)

	outcome.Attempts = attempts
	outcome.Latency = time.Since(start)
	outcome.CompletedAt = time.Now()

	if err != nil {
		kind := inference.KindOf(err)
		if h.Cancelled() {
			kind = inference.KindCancelled
		}

		var ierr *inference.Error
		if !errors.As(err, &ierr) || ierr.Kind != kind {
			err = inference.NewError(kind, err)
		}

		outcome.Err = err
		switch kind {
		case inference.KindCancelled:
			outcome.State = model.StateCancelled
		case inference.KindTimeout:
			outcome.State = model.StateTimedOut
		default:
			outcome.State = model.StateFailed
		}

		d.finish(h, outcome)
		return
	}

	outcome.State = model.StateSucceeded
	outcome.Detections = res.Detections
	outcome.ImageWidth = width
	outcome.ImageHeight = height
	if res.ImageWidth > 0 && res.ImageHeight > 0 {
		outcome.ImageWidth = res.ImageWidth
		outcome.ImageHeight = res.ImageHeight
	}

	d.finish(h, outcome)
}

// attempt makes one bounded call to the endpoint. Failures that cannot succeed
// on retry are wrapped with backoff.Permanent.
func (d *Dispatcher) attempt(canx context.Context, h *Handle, req inference.Request, n int) (inference.Result, error) {
	canx, span := d.tracer.Start(canx, "inference.attempt")
	defer span.End()

	attemptCanx, cancel := context.WithTimeout(canx, d.params.RequestTimeout)
	defer cancel()

	res, err := d.inferenceSvc.Invoke(attemptCanx, req)
	if err == nil {
		return res, nil
	}

	span.RecordError(err)

	kind := inference.KindOf(err)
	if h.Cancelled() || canx.Err() != nil {
		kind = inference.KindCancelled
		err = inference.NewError(kind, err)
	} else if errors.Is(attemptCanx.Err(), context.DeadlineExceeded) && kind != inference.KindTimeout {
		kind = inference.KindTimeout
		err = inference.NewError(kind, err)
	}

	lgr.Logger.DebugContext(
		canx,
		"dispatcher.attempt",
		slog.String("request", req.ID),
		slog.Uint64("seq", req.Seq),
		slog.Int("attempt", n),
		slog.String("kind", kind.String()),
		slog.Any("error", err),
	)

	if !kind.Retryable() {
		return res, backoff.Permanent(err)
	}
	return res, err
}

func (d *Dispatcher) countAttempt(retry bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Attempts++
	if retry {
		d.stats.Retries++
	}
}

// finish records the outcome, runs the completion callback and then closes Done.
// finish resolves h exactly once. Later calls are ignored.
func (d *Dispatcher) finish(h *Handle, outcome Outcome) {
	h.finishOnce.Do(func() {
		d.resolve(h, outcome)
	})
}

func (d *Dispatcher) resolve(h *Handle, outcome Outcome) {
	d.mu.Lock()
	delete(d.handles, h.id)
	switch outcome.State {
	case model.StateSucceeded:
		d.stats.Succeeded++
	case model.StateTimedOut:
		d.stats.TimedOut++
	case model.StateCancelled:
		d.stats.Cancelled++
	default:
		d.stats.Failed++
	}
	if outcome.State != model.StateSucceeded && outcome.State != model.StateCancelled {
		d.stats.FailuresByKind[outcome.Kind().String()]++
	}
	d.totalLatency += outcome.Latency
	d.mu.Unlock()

	if outcome.State == model.StateFailed || outcome.State == model.StateTimedOut {
		lgr.Logger.Warn(
			"dispatcher.failed",
			slog.String("request", outcome.RequestID),
			slog.Uint64("seq", outcome.Seq),
			slog.String("state", string(outcome.State)),
			slog.Int("attempts", outcome.Attempts),
			slog.Any("error", outcome.Err),
		)
	}

	h.outcome = outcome
	defer close(h.done)

	if d.onComplete != nil {
		d.complete(outcome)
	}
}

// complete runs the completion callback. A panicking callback is logged and
// does not change the outcome.
func (d *Dispatcher) complete(outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			lgr.Logger.Error(
				"dispatcher completion callback panicked",
				slog.String("request", outcome.RequestID),
				slog.Uint64("seq", outcome.Seq),
				slog.Any("panic", r),
			)
		}
	}()

	d.onComplete(outcome)
}

// CancelOlderThan cancels in-flight requests for frames before seq. Their
// results could never be displayed.
func (d *Dispatcher) CancelOlderThan(seq uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, h := range d.handles {
		if h.seq < seq && !h.Cancelled() {
			h.Cancel()
			n++
		}
	}
	return n
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.handles)
}

// Close cancels every in-flight request and waits for their completions.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, h := range d.handles {
		h.Cancel()
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) Stats() model.DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	stats.FailuresByKind = make(map[string]uint64, len(d.stats.FailuresByKind))
	for k, v := range d.stats.FailuresByKind {
		stats.FailuresByKind[k] = v
	}
	stats.InFlight = len(d.handles)
	if completed := stats.Succeeded + stats.Failed + stats.TimedOut + stats.Cancelled; completed > 0 {
		stats.AvgLatencySeconds = d.totalLatency.Seconds() / float64(completed)
	}
	stats.Timestamp = time.Now().Unix()
	return stats
}

// encodeFrame downsizes img to maxWidth (keeping the aspect ratio) and
// encodes it as JPEG. It returns the dimensions of the encoded image.
func encodeFrame(img image.Image, maxWidth, quality int) ([]byte, int, int, error) {
	if img == nil {
		return nil, 0, 0, xerrors.New("frame has no image")
	}

	if b := img.Bounds(); b.Empty() {
		return nil, 0, 0, xerrors.Errorf("frame image is empty: %v", b)
	}

	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, 0, 0, xerrors.Errorf("encoding frame: %w", err)
	}

	return buf.Bytes(), img.Bounds().Dx(), img.Bounds().Dy(), nil
}
