package pipeline

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
	"github.com/khaledhikmat/smartwaste-go/service/inference"
)

type inferenceConfig struct {
	config.IService
	params config.InferenceParameters
}

func (c inferenceConfig) GetInferenceParameters() config.InferenceParameters {
	return c.params
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	return img
}

func testFrame(seq uint64) model.Frame {
	return model.Frame{
		Seq:        seq,
		CapturedAt: time.Now(),
		Source:     "test",
		Image:      testImage(64, 48),
	}
}

func testDispatcherParams() config.DispatcherParameters {
	return config.DispatcherParameters{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		MaxImageWidth:  640,
		JPEGQuality:    80,
	}
}

func newHTTPInference(t *testing.T, handler http.HandlerFunc) inference.IService {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := config.NewHardCoded()
	params := base.GetInferenceParameters()
	params.EndpointURL = srv.URL
	params.APIKey = "secret"

	return inference.NewRoboflow(inferenceConfig{IService: base, params: params}, srv.Client())
}

func waitOutcome(t *testing.T, h *Handle) Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome, err := h.Wait(ctx)
	test.That(t, err, test.ShouldBeNil)
	return outcome
}

// scriptedInference answers each call with the next step.
type scriptedInference struct {
	mu    sync.Mutex
	steps []func(ctx context.Context, req inference.Request) (inference.Result, error)
	calls int
}

func (s *scriptedInference) Invoke(ctx context.Context, req inference.Request) (inference.Result, error) {
	s.mu.Lock()
	step := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	s.mu.Unlock()

	return step(ctx, req)
}

func (s *scriptedInference) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func blockUntilDone(ctx context.Context, _ inference.Request) (inference.Result, error) {
	<-ctx.Done()
	return inference.Result{}, ctx.Err()
}

func TestDispatcherRetriesServerErrorOnce(t *testing.T) {
	var calls atomic.Int32
	svc := newHTTPInference(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "model warming up", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"outputs":[{"predictions":{"predictions":[
			{"class":"organik","class_id":2,"confidence":0.91,"x":20,"y":20,"width":10,"height":12}
		]}}]}`))
	})

	d := NewDispatcher(svc, testDispatcherParams())
	defer d.Close()

	outcome := waitOutcome(t, d.Dispatch(testFrame(1)))

	test.That(t, outcome.State, test.ShouldEqual, model.StateSucceeded)
	test.That(t, outcome.Err, test.ShouldBeNil)
	test.That(t, outcome.Attempts, test.ShouldEqual, 2)
	test.That(t, calls.Load(), test.ShouldEqual, int32(2))
	test.That(t, outcome.Detections, test.ShouldHaveLength, 1)
	test.That(t, outcome.Detections[0].Label, test.ShouldEqual, "Sampah Organik")
	test.That(t, outcome.ImageWidth, test.ShouldEqual, 64)
	test.That(t, outcome.ImageHeight, test.ShouldEqual, 48)

	stats := d.Stats()
	test.That(t, stats.Attempts, test.ShouldEqual, uint64(2))
	test.That(t, stats.Retries, test.ShouldEqual, uint64(1))
	test.That(t, stats.Succeeded, test.ShouldEqual, uint64(1))
}

func TestDispatcherDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	svc := newHTTPInference(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid api key", http.StatusBadRequest)
	})

	d := NewDispatcher(svc, testDispatcherParams())
	defer d.Close()

	outcome := waitOutcome(t, d.Dispatch(testFrame(1)))

	test.That(t, outcome.State, test.ShouldEqual, model.StateFailed)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindClientError)
	test.That(t, outcome.Attempts, test.ShouldEqual, 1)
	test.That(t, calls.Load(), test.ShouldEqual, int32(1))
	test.That(t, outcome.Err.Error(), test.ShouldContainSubstring, "invalid api key")
	test.That(t, d.Stats().FailuresByKind["ClientError"], test.ShouldEqual, uint64(1))
}

func TestDispatcherServerErrorExhaustsBudget(t *testing.T) {
	var calls atomic.Int32
	svc := newHTTPInference(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	params := testDispatcherParams()
	params.MaxRetries = 2
	d := NewDispatcher(svc, params)
	defer d.Close()

	outcome := waitOutcome(t, d.Dispatch(testFrame(1)))

	test.That(t, outcome.State, test.ShouldEqual, model.StateFailed)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindServerError)
	test.That(t, outcome.Attempts, test.ShouldEqual, 3)
	test.That(t, calls.Load(), test.ShouldEqual, int32(3))
}

func TestDispatcherMalformedResponseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	svc := newHTTPInference(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"ok"}`))
	})

	d := NewDispatcher(svc, testDispatcherParams())
	defer d.Close()

	outcome := waitOutcome(t, d.Dispatch(testFrame(1)))

	test.That(t, outcome.State, test.ShouldEqual, model.StateFailed)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindMalformedResponse)
	test.That(t, calls.Load(), test.ShouldEqual, int32(1))
}

func TestDispatcherTimeoutAfterBudgetIsFailure(t *testing.T) {
	svc := &scriptedInference{steps: []func(context.Context, inference.Request) (inference.Result, error){blockUntilDone}}

	params := testDispatcherParams()
	params.RequestTimeout = 20 * time.Millisecond

	var completed []Outcome
	var mu sync.Mutex
	d := NewDispatcher(svc, params, WithCompletion(func(o Outcome) {
		mu.Lock()
		completed = append(completed, o)
		mu.Unlock()
	}))
	defer d.Close()

	h := d.Dispatch(testFrame(7))
	outcome := waitOutcome(t, h)

	test.That(t, outcome.State, test.ShouldEqual, model.StateTimedOut)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindTimeout)
	test.That(t, outcome.Attempts, test.ShouldEqual, 2)
	test.That(t, svc.Calls(), test.ShouldEqual, 2)

	// the completion callback runs before Done is closed
	mu.Lock()
	defer mu.Unlock()
	test.That(t, completed, test.ShouldHaveLength, 1)
	test.That(t, completed[0].Seq, test.ShouldEqual, uint64(7))
	test.That(t, completed[0].State, test.ShouldEqual, model.StateTimedOut)
}

func TestDispatcherCancelAbortsRequest(t *testing.T) {
	started := make(chan struct{})
	svc := &scriptedInference{steps: []func(context.Context, inference.Request) (inference.Result, error){
		func(ctx context.Context, req inference.Request) (inference.Result, error) {
			close(started)
			return blockUntilDone(ctx, req)
		},
	}}

	d := NewDispatcher(svc, testDispatcherParams())
	defer d.Close()

	h := d.Dispatch(testFrame(1))
	<-started
	test.That(t, d.InFlight(), test.ShouldEqual, 1)

	h.Cancel()
	h.Cancel()
	outcome := waitOutcome(t, h)

	test.That(t, h.Cancelled(), test.ShouldBeTrue)
	test.That(t, outcome.State, test.ShouldEqual, model.StateCancelled)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindCancelled)
	test.That(t, outcome.Attempts, test.ShouldEqual, 1)
	test.That(t, d.InFlight(), test.ShouldEqual, 0)
	test.That(t, d.Stats().Cancelled, test.ShouldEqual, uint64(1))
}

func TestDispatcherCancelOlderThan(t *testing.T) {
	svc := &scriptedInference{steps: []func(context.Context, inference.Request) (inference.Result, error){blockUntilDone}}

	params := testDispatcherParams()
	params.RequestTimeout = time.Minute
	d := NewDispatcher(svc, params)
	defer d.Close()

	h1 := d.Dispatch(testFrame(1))
	h2 := d.Dispatch(testFrame(2))
	h3 := d.Dispatch(testFrame(3))

	test.That(t, d.CancelOlderThan(3), test.ShouldEqual, 2)

	test.That(t, waitOutcome(t, h1).State, test.ShouldEqual, model.StateCancelled)
	test.That(t, waitOutcome(t, h2).State, test.ShouldEqual, model.StateCancelled)

	_, done := h3.Outcome()
	test.That(t, done, test.ShouldBeFalse)
	test.That(t, h3.Cancelled(), test.ShouldBeFalse)
}

func TestDispatcherCloseCancelsInFlight(t *testing.T) {
	svc := &scriptedInference{steps: []func(context.Context, inference.Request) (inference.Result, error){blockUntilDone}}

	params := testDispatcherParams()
	params.RequestTimeout = time.Minute
	d := NewDispatcher(svc, params)

	h := d.Dispatch(testFrame(1))
	test.That(t, d.Close(), test.ShouldBeNil)

	outcome, done := h.Outcome()
	test.That(t, done, test.ShouldBeTrue)
	test.That(t, outcome.State, test.ShouldEqual, model.StateCancelled)

	// dispatching after close resolves immediately
	late := d.Dispatch(testFrame(2))
	outcome, done = late.Outcome()
	test.That(t, done, test.ShouldBeTrue)
	test.That(t, outcome.State, test.ShouldEqual, model.StateCancelled)
}

func TestDispatcherMissingImageFailsWithoutCalling(t *testing.T) {
	svc := &scriptedInference{steps: []func(context.Context, inference.Request) (inference.Result, error){blockUntilDone}}

	d := NewDispatcher(svc, testDispatcherParams())
	defer d.Close()

	outcome := waitOutcome(t, d.Dispatch(model.Frame{Seq: 1}))

	test.That(t, outcome.State, test.ShouldEqual, model.StateFailed)
	test.That(t, outcome.Kind(), test.ShouldEqual, inference.KindClientError)
	test.That(t, svc.Calls(), test.ShouldEqual, 0)
}

func TestDispatcherPanickingCallbackResolvesOnce(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(inference.NewFake(0, nil), testDispatcherParams(), WithCompletion(func(Outcome) {
		if calls.Add(1) == 1 {
			panic("presenter exploded")
		}
	}))
	defer d.Close()

	first := waitOutcome(t, d.Dispatch(testFrame(1)))
	second := waitOutcome(t, d.Dispatch(testFrame(2)))

	test.That(t, first.State, test.ShouldEqual, model.StateSucceeded)
	test.That(t, second.State, test.ShouldEqual, model.StateSucceeded)
	test.That(t, calls.Load(), test.ShouldEqual, int32(2))

	stats := d.Stats()
	test.That(t, stats.Succeeded, test.ShouldEqual, uint64(2))
	test.That(t, stats.Failed, test.ShouldEqual, uint64(0))
}

func TestEncodeFrameResizes(t *testing.T) {
	payload, w, h, err := encodeFrame(testImage(1280, 960), 640, 90)

	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, 640)
	test.That(t, h, test.ShouldEqual, 480)
	test.That(t, payload[:2], test.ShouldResemble, []byte{0xff, 0xd8})
}
