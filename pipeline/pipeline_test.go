package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/inference"
)

// gatedInference answers a request only once its frame's gate is opened.
type gatedInference struct {
	mu    sync.Mutex
	gates map[uint64]chan struct{}
}

func newGatedInference() *gatedInference {
	return &gatedInference{gates: map[uint64]chan struct{}{}}
}

func (g *gatedInference) gate(seq uint64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.gates[seq]
	if !ok {
		ch = make(chan struct{})
		g.gates[seq] = ch
	}
	return ch
}

func (g *gatedInference) open(seq uint64) {
	close(g.gate(seq))
}

func (g *gatedInference) Invoke(ctx context.Context, req inference.Request) (inference.Result, error) {
	select {
	case <-g.gate(req.Seq):
		return inference.Result{
			Detections: []model.Detection{{Label: "Sampah B3", Confidence: 0.9, Box: model.BoundingBox{X: 5, Y: 5, Width: 2, Height: 2}}},
		}, nil
	case <-ctx.Done():
		return inference.Result{}, ctx.Err()
	}
}

type testPipeline struct {
	sampler    *Sampler
	dispatcher *Dispatcher
	correlator *Correlator
}

func newTestPipeline(t *testing.T, svc inference.IService, capacity int) *testPipeline {
	p := &testPipeline{
		sampler:    NewSampler(config.SamplerParameters{ConcurrencyCap: capacity, MinFrameGap: 1}, clock.NewMock()),
		correlator: NewCorrelator(),
	}

	params := testDispatcherParams()
	params.RequestTimeout = time.Minute
	p.dispatcher = NewDispatcher(svc, params, WithCompletion(func(o Outcome) {
		p.sampler.Release(o.Seq)
		p.correlator.OnComplete(o.Seq, o)
	}))
	t.Cleanup(func() { p.dispatcher.Close() })

	return p
}

func (p *testPipeline) submit(seq uint64) *Handle {
	frame := testFrame(seq)
	if !p.sampler.Submit(frame) {
		return nil
	}
	return p.dispatcher.Dispatch(frame)
}

func TestPipelineCapOneShowsNewestFrame(t *testing.T) {
	svc := newGatedInference()
	p := newTestPipeline(t, svc, 1)

	h1 := p.submit(1)
	test.That(t, h1, test.ShouldNotBeNil)
	test.That(t, p.submit(2), test.ShouldBeNil)
	test.That(t, p.submit(3), test.ShouldBeNil)

	svc.open(1)
	test.That(t, waitOutcome(t, h1).State, test.ShouldEqual, model.StateSucceeded)
	test.That(t, p.correlator.LastDisplayedSeq(), test.ShouldEqual, uint64(1))

	h3 := p.submit(3)
	test.That(t, h3, test.ShouldNotBeNil)
	svc.open(3)
	waitOutcome(t, h3)

	current, ok := p.correlator.Current()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, current.Seq, test.ShouldEqual, uint64(3))
	test.That(t, current.Status, test.ShouldEqual, model.StatusSuccess)
	test.That(t, p.sampler.Stats().DroppedBusy, test.ShouldEqual, uint64(2))
}

func TestPipelineLateCompletionIsStale(t *testing.T) {
	svc := newGatedInference()
	p := newTestPipeline(t, svc, 2)

	h1 := p.submit(1)
	h3 := p.submit(3)
	test.That(t, h1, test.ShouldNotBeNil)
	test.That(t, h3, test.ShouldNotBeNil)

	// frame 3 answers first, frame 1 straggles in afterwards
	svc.open(3)
	waitOutcome(t, h3)
	svc.open(1)
	waitOutcome(t, h1)

	current, _ := p.correlator.Current()
	test.That(t, current.Seq, test.ShouldEqual, uint64(3))
	test.That(t, p.correlator.Stats().Published, test.ShouldEqual, uint64(1))
	test.That(t, p.sampler.InFlight(), test.ShouldEqual, 0)
}

func TestPipelineSupersededRequestIsCancelled(t *testing.T) {
	svc := newGatedInference()
	p := newTestPipeline(t, svc, 2)
	p.correlator.Subscribe(func(r model.InferenceResult) {
		p.dispatcher.CancelOlderThan(r.Seq)
	})

	h1 := p.submit(1)
	h2 := p.submit(2)

	svc.open(2)
	waitOutcome(t, h2)

	outcome := waitOutcome(t, h1)
	test.That(t, outcome.State, test.ShouldEqual, model.StateCancelled)

	current, _ := p.correlator.Current()
	test.That(t, current.Seq, test.ShouldEqual, uint64(2))
	test.That(t, p.correlator.Stats().Cancelled, test.ShouldEqual, uint64(1))
	test.That(t, p.sampler.InFlight(), test.ShouldEqual, 0)
}
