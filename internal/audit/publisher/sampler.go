package publisher

import (
	"math/rand"
	"sync"

	"auditcore/internal/audit/models"
)

// Sampler provides configurable sampling for operations events. High-volume
// actions can be sampled down to reduce storage cost without losing the
// compliance or security record.
type Sampler struct {
	mu           sync.RWMutex
	defaultRate  float64
	rateByAction map[models.Action]float64
}

// NewSampler creates a sampler with the given default rate, clamped to
// [0.0, 1.0].
func NewSampler(defaultRate float64) *Sampler {
	return &Sampler{
		defaultRate:  clampRate(defaultRate),
		rateByAction: make(map[models.Action]float64),
	}
}

// ShouldSample returns true if the event should be kept.
func (s *Sampler) ShouldSample(action models.Action) bool {
	rate := s.rateFor(action)
	return rand.Float64() < rate //nolint:gosec // sampling doesn't need crypto rand
}

// SetRate overrides the rate for one action.
func (s *Sampler) SetRate(action models.Action, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByAction[action] = clampRate(rate)
}

func (s *Sampler) rateFor(action models.Action) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByAction[action]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
