package health

import (
	"fmt"
	"math/rand"
	"sync"
)

// StimulusSource produces the bounded synthetic maintenance stimulus
// injected during low-traffic self-test periods. Implementations must
// be explicitly seeded or fully deterministic so health trajectories
// reproduce exactly under a fixed seed; the process-wide generator is
// never used.
type StimulusSource interface {
	Next() float64
	Bound() float64
}

// BoundedRandSource draws uniformly from [-bound, bound] using its own
// seeded generator.
type BoundedRandSource struct {
	mu    sync.Mutex
	rng   *rand.Rand
	bound float64
}

// NewBoundedRandSource creates a seeded stimulus source
func NewBoundedRandSource(seed int64, bound float64) (*BoundedRandSource, error) {
	if bound < 0 {
		return nil, fmt.Errorf("health: stimulus bound must be non-negative, got %g", bound)
	}
	return &BoundedRandSource{
		rng:   rand.New(rand.NewSource(seed)),
		bound: bound,
	}, nil
}

// Next draws the next stimulus value
func (s *BoundedRandSource) Next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.rng.Float64()*2 - 1) * s.bound
}

// Bound returns the stimulus magnitude limit
func (s *BoundedRandSource) Bound() float64 {
	return s.bound
}

// PatternSource cycles through a fixed test pattern, for deterministic
// test trajectories without any randomness at all.
type PatternSource struct {
	mu      sync.Mutex
	pattern []float64
	idx     int
	bound   float64
}

// NewPatternSource builds a source from an explicit value sequence
func NewPatternSource(pattern []float64) (*PatternSource, error) {
	if len(pattern) == 0 {
		return nil, fmt.Errorf("health: empty stimulus pattern")
	}
	bound := 0.0
	for _, v := range pattern {
		if v < 0 {
			v = -v
		}
		if v > bound {
			bound = v
		}
	}
	return &PatternSource{pattern: pattern, bound: bound}, nil
}

// Next returns the next pattern value, wrapping around
func (s *PatternSource) Next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.pattern[s.idx]
	s.idx = (s.idx + 1) % len(s.pattern)
	return v
}

// Bound returns the largest pattern magnitude
func (s *PatternSource) Bound() float64 {
	return s.bound
}
