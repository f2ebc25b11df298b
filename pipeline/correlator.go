package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/lgr"
)

// Listener is called with every published result, in publish order, while the
// correlator lock is held. It must not call back into the Correlator.
type Listener func(model.InferenceResult)

// Correlator owns the current result. All writes go through its mutex, which
// keeps the displayed sequence number non-decreasing no matter in which order
// completions arrive.
type Correlator struct {
	mu sync.Mutex

	current          model.InferenceResult
	hasCurrent       bool
	lastDisplayedSeq uint64

	listeners []Listener

	// single slot mailbox drained by Run
	pending *model.InferenceResult
	notify  chan struct{}

	stats model.CorrelatorStats
}

func NewCorrelator() *Correlator {
	return &Correlator{
		notify: make(chan struct{}, 1),
		stats: model.CorrelatorStats{
			Name: "correlator",
		},
	}
}

// Subscribe registers fn for every future publish.
func (c *Correlator) Subscribe(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, fn)
}

// OnComplete folds the outcome of request seq into the current result and
// reports whether it was published. Cancelled outcomes and outcomes for
// frames not newer than the displayed one are discarded.
func (c *Correlator) OnComplete(seq uint64, outcome Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if outcome.State == model.StateCancelled {
		c.stats.Cancelled++
		return false
	}

	if c.hasCurrent && seq <= c.lastDisplayedSeq {
		c.stats.Stale++
		lgr.Logger.Debug(
			"correlator.discard",
			slog.Uint64("seq", seq),
			slog.Uint64("lastDisplayedSeq", c.lastDisplayedSeq),
			slog.String("status", string(model.StatusStale)),
			slog.String("state", string(outcome.State)),
		)
		return false
	}

	result := outcome.Result()
	result.Seq = seq

	c.current = result
	c.hasCurrent = true
	c.lastDisplayedSeq = seq

	c.stats.Published++
	if result.Status == model.StatusFailure {
		c.stats.Failures++
	}

	mail := result.Clone()
	c.pending = &mail
	select {
	case c.notify <- struct{}{}:
	default:
	}

	for _, fn := range c.listeners {
		fn(result.Clone())
	}

	return true
}

// Current returns a snapshot of the displayed result. ok is false until the
// first publish.
func (c *Correlator) Current() (model.InferenceResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasCurrent {
		return model.InferenceResult{}, false
	}
	return c.current.Clone(), true
}

func (c *Correlator) LastDisplayedSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastDisplayedSeq
}

func (c *Correlator) Stats() model.CorrelatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.LastDisplayedSeq = c.lastDisplayedSeq
	stats.Timestamp = time.Now().Unix()
	return stats
}

// take empties the mailbox.
func (c *Correlator) take() (model.InferenceResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return model.InferenceResult{}, false
	}
	result := *c.pending
	c.pending = nil
	return result, true
}

// Run delivers published results to presenters until ctx is done. A slow
// presenter skips intermediate results but never receives an older one after
// a newer one. Presenter errors are logged and do not stop delivery.
func (c *Correlator) Run(canx context.Context, presenters []Presenter) error {
	for {
		select {
		case <-canx.Done():
			lgr.Logger.Info(
				"correlator context cancelled",
			)
			return nil

		case <-c.notify:
			result, ok := c.take()
			if !ok {
				continue
			}

			for _, p := range presenters {
				if err := p.Present(canx, result.Clone()); err != nil {
					lgr.Logger.Error(
						"presenter failed",
						slog.String("presenter", p.Name()),
						slog.Uint64("seq", result.Seq),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

// Result converts the outcome into what presenters render.
func (o Outcome) Result() model.InferenceResult {
	result := model.InferenceResult{
		Seq:         o.Seq,
		Source:      o.Source,
		RequestID:   o.RequestID,
		Attempts:    o.Attempts,
		Latency:     o.Latency,
		ImageWidth:  o.ImageWidth,
		ImageHeight: o.ImageHeight,
		CapturedAt:  o.CapturedAt,
		CompletedAt: o.CompletedAt,
		Detections:  []model.Detection{},
	}

	if o.State == model.StateSucceeded {
		result.Status = model.StatusSuccess
		result.Detections = append(result.Detections, o.Detections...)
		return result
	}

	// Failures carry no detections so presenters clear their overlays
	result.Status = model.StatusFailure
	result.ErrKind = o.Kind().String()
	if o.Err != nil {
		result.Err = o.Err.Error()
	}
	return result
}
