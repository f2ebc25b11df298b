package pipeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/khaledhikmat/smartwaste-go/model"
	"github.com/khaledhikmat/smartwaste-go/service/config"
)

// Sampler decides which frames are submitted for inference. Frames it rejects
// are dropped: there is no queue, so latency stays bounded when the endpoint
// is slower than the camera.
type Sampler struct {
	mu sync.Mutex

	cap     int
	gap     uint64
	clock   clock.Clock
	limiter *rate.Limiter // nil when no time gap is configured

	inFlight     map[uint64]struct{}
	lastAccepted uint64
	hasAccepted  bool

	stats model.SamplerStats
}

func NewSampler(params config.SamplerParameters, clk clock.Clock) *Sampler {
	if clk == nil {
		clk = clock.New()
	}

	capacity := params.ConcurrencyCap
	if capacity <= 0 {
		capacity = 1
	}

	gap := params.MinFrameGap
	if gap == 0 {
		gap = 1
	}

	s := &Sampler{
		cap:      capacity,
		gap:      gap,
		clock:    clk,
		inFlight: make(map[uint64]struct{}, capacity),
		stats: model.SamplerStats{
			Name: "sampler",
		},
	}

	if params.MinFrameInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(params.MinFrameInterval), 1)
	}

	return s
}

// Submit reports whether frame was accepted. An accepted frame occupies one
// concurrency slot until Release is called with its sequence number.
func (s *Sampler) Submit(frame model.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Submitted++

	if len(s.inFlight) >= s.cap {
		s.stats.DroppedBusy++
		return false
	}

	if s.hasAccepted && (frame.Seq <= s.lastAccepted || frame.Seq-s.lastAccepted < s.gap) {
		s.stats.DroppedGap++
		return false
	}

	// Checked last: AllowN consumes a token
	if s.limiter != nil && !s.limiter.AllowN(s.clock.Now(), 1) {
		s.stats.DroppedRate++
		return false
	}

	s.inFlight[frame.Seq] = struct{}{}
	s.lastAccepted = frame.Seq
	s.hasAccepted = true

	s.stats.Accepted++
	s.stats.LastAccepted = frame.Seq
	if len(s.inFlight) > s.stats.MaxInFlight {
		s.stats.MaxInFlight = len(s.inFlight)
	}

	return true
}

// Release frees the slot held by seq. Releasing an unknown seq is a no-op.
func (s *Sampler) Release(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, seq)
}

func (s *Sampler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inFlight)
}

func (s *Sampler) Stats() model.SamplerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.InFlight = len(s.inFlight)
	stats.Timestamp = time.Now().Unix()
	return stats
}
