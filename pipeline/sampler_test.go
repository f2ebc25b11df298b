package pipeline

import (
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
)

func frame(seq uint64) model.Frame {
	return model.Frame{Seq: seq, Source: "test"}
}

func TestSamplerCapOneDropsWhileBusy(t *testing.T) {
	s := NewSampler(config.SamplerParameters{ConcurrencyCap: 1, MinFrameGap: 1}, clock.NewMock())

	test.That(t, s.Submit(frame(1)), test.ShouldBeTrue)
	test.That(t, s.Submit(frame(2)), test.ShouldBeFalse)
	test.That(t, s.InFlight(), test.ShouldEqual, 1)

	s.Release(1)
	test.That(t, s.Submit(frame(3)), test.ShouldBeTrue)

	stats := s.Stats()
	test.That(t, stats.Submitted, test.ShouldEqual, uint64(3))
	test.That(t, stats.Accepted, test.ShouldEqual, uint64(2))
	test.That(t, stats.DroppedBusy, test.ShouldEqual, uint64(1))
	test.That(t, stats.LastAccepted, test.ShouldEqual, uint64(3))
	test.That(t, stats.MaxInFlight, test.ShouldEqual, 1)
}

func TestSamplerNeverExceedsCap(t *testing.T) {
	const capacity = 3
	s := NewSampler(config.SamplerParameters{ConcurrencyCap: capacity}, clock.NewMock())
	rnd := rand.New(rand.NewSource(7))

	var inFlight []uint64
	for seq := uint64(1); seq <= 500; seq++ {
		if s.Submit(frame(seq)) {
			inFlight = append(inFlight, seq)
		}
		test.That(t, s.InFlight(), test.ShouldBeLessThanOrEqualTo, capacity)
		test.That(t, len(inFlight), test.ShouldEqual, s.InFlight())

		// complete a random in-flight request now and then
		if len(inFlight) > 0 && rnd.Intn(3) == 0 {
			i := rnd.Intn(len(inFlight))
			s.Release(inFlight[i])
			inFlight = append(inFlight[:i], inFlight[i+1:]...)
		}
	}

	test.That(t, s.Stats().MaxInFlight, test.ShouldEqual, capacity)
}

func TestSamplerFrameGap(t *testing.T) {
	s := NewSampler(config.SamplerParameters{ConcurrencyCap: 4, MinFrameGap: 3}, clock.NewMock())

	test.That(t, s.Submit(frame(10)), test.ShouldBeTrue)
	test.That(t, s.Submit(frame(11)), test.ShouldBeFalse)
	test.That(t, s.Submit(frame(12)), test.ShouldBeFalse)
	test.That(t, s.Submit(frame(13)), test.ShouldBeTrue)

	// out of order or repeated sequence numbers never pass
	test.That(t, s.Submit(frame(13)), test.ShouldBeFalse)
	test.That(t, s.Submit(frame(5)), test.ShouldBeFalse)

	test.That(t, s.Stats().DroppedGap, test.ShouldEqual, uint64(4))
}

func TestSamplerMinInterval(t *testing.T) {
	mock := clock.NewMock()
	s := NewSampler(config.SamplerParameters{
		ConcurrencyCap:   2,
		MinFrameInterval: 1500 * time.Millisecond,
	}, mock)

	test.That(t, s.Submit(frame(1)), test.ShouldBeTrue)
	s.Release(1)

	mock.Add(time.Second)
	test.That(t, s.Submit(frame(2)), test.ShouldBeFalse)

	mock.Add(600 * time.Millisecond)
	test.That(t, s.Submit(frame(3)), test.ShouldBeTrue)

	stats := s.Stats()
	test.That(t, stats.DroppedRate, test.ShouldEqual, uint64(1))
	test.That(t, stats.Accepted, test.ShouldEqual, uint64(2))
}

func TestSamplerReleaseUnknownIsNoop(t *testing.T) {
	s := NewSampler(config.SamplerParameters{}, nil)

	s.Release(42)
	test.That(t, s.InFlight(), test.ShouldEqual, 0)
	test.That(t, s.Submit(frame(1)), test.ShouldBeTrue)
	s.Release(42)
	test.That(t, s.InFlight(), test.ShouldEqual, 1)
}
