package health

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/biomesh-io/biomesh/internal/numeric"
)

// Band classifies a health value for the external continuity layer.
type Band int

const (
	BandHealthy Band = iota
	BandDegraded
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandHealthy:
		return "HEALTHY"
	case BandDegraded:
		return "DEGRADED"
	case BandCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("band(%d)", int(b))
}

// Classify maps a health value to its band
func Classify(h float64) Band {
	switch {
	case h >= 0.8:
		return BandHealthy
	case h >= 0.4:
		return BandDegraded
	default:
		return BandCritical
	}
}

// EstimatorConfig holds the calibrated gains of the health dynamic.
type EstimatorConfig struct {
	Alpha float64 // decay gain toward HRef
	Beta  float64 // stimulus gain
	HRef  float64 // target baseline in (0,1]
	DT    float64 // tick period in seconds, packet duration T/Fs by default
	// TrafficFloor gates the self-test stimulus: it is injected only
	// when the external traffic-volume signal falls below this value.
	TrafficFloor float64
	// CriticalDwell is how long the band must stay CRITICAL before the
	// sustained-critical signal fires.
	CriticalDwell time.Duration
}

// DefaultEstimatorConfig returns calibration defaults
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Alpha:         0.5,
		Beta:          0.1,
		HRef:          0.9,
		DT:            0.25,
		TrafficFloor:  1.0,
		CriticalDwell: 30 * time.Second,
	}
}

func (c EstimatorConfig) validate() error {
	if c.Alpha <= 0 || c.Beta <= 0 {
		return fmt.Errorf("health: gains must be positive (alpha=%g beta=%g)", c.Alpha, c.Beta)
	}
	if c.HRef <= 0 || c.HRef > 1 {
		return fmt.Errorf("health: h_ref must be in (0,1], got %g", c.HRef)
	}
	if c.DT <= 0 {
		return fmt.Errorf("health: dt must be positive, got %g", c.DT)
	}
	return nil
}

// TickResult reports one health update.
type TickResult struct {
	Health float64
	// Obs is the advisory instantaneous observation clip(w_h . z, 0, 1).
	// It never overwrites the health value; the decay/stimulus
	// recurrence stays authoritative.
	Obs      float64
	Band     Band
	Stimulus float64
	// BandChanged is set when this tick crossed a band boundary.
	BandChanged bool
	// SustainedCritical fires once per dwell episode when the band has
	// been CRITICAL for the configured dwell time.
	SustainedCritical bool
}

// Estimator maintains the authoritative per-node health scalar. It is
// single-writer: only the owning node ticks it, once per packet.
type Estimator struct {
	mu sync.Mutex

	cfg      EstimatorConfig
	wh       []float64 // observation weights, length n
	stimulus StimulusSource

	h          float64
	band       Band
	dwellTicks int
	dwellNeed  int
	signaled   bool
	ticks      uint64
}

// NewEstimator creates an estimator starting at the given initial
// health (the external collaborator's value, h_ref by convention).
func NewEstimator(cfg EstimatorConfig, wh []float64, stim StimulusSource, initial float64) (*Estimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if stim == nil {
		return nil, fmt.Errorf("health: stimulus source is required")
	}
	if initial < 0 || initial > 1 {
		return nil, fmt.Errorf("health: initial health %g outside [0,1]", initial)
	}

	need := int(math.Ceil(cfg.CriticalDwell.Seconds() / cfg.DT))
	if need < 1 {
		need = 1
	}

	weights := make([]float64, len(wh))
	copy(weights, wh)

	return &Estimator{
		cfg:       cfg,
		wh:        weights,
		stimulus:  stim,
		h:         initial,
		band:      Classify(initial),
		dwellNeed: need,
	}, nil
}

// Tick advances the health dynamic by one packet period. z is the
// packet state; traffic is the external traffic-volume signal used to
// gate the self-test stimulus.
func (e *Estimator) Tick(z []float64, traffic float64) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := 0.0
	if len(e.wh) > 0 && z != nil {
		dot, err := numeric.Dot(e.wh, z)
		if err != nil {
			return TickResult{}, fmt.Errorf("health: observation weights: %w", err)
		}
		obs = numeric.Clip(dot, 0, 1)
	}

	u := 0.0
	if traffic < e.cfg.TrafficFloor {
		u = e.stimulus.Next()
	}

	next := e.h + e.cfg.DT*(-e.cfg.Alpha*(e.h-e.cfg.HRef)+e.cfg.Beta*u)
	e.h = numeric.Clip(next, 0, 1)
	e.ticks++

	band := Classify(e.h)
	changed := band != e.band
	e.band = band

	sustained := false
	if band == BandCritical {
		e.dwellTicks++
		if e.dwellTicks >= e.dwellNeed && !e.signaled {
			sustained = true
			e.signaled = true
		}
	} else {
		e.dwellTicks = 0
		e.signaled = false
	}

	return TickResult{
		Health:            e.h,
		Obs:               obs,
		Band:              band,
		Stimulus:          u,
		BandChanged:       changed,
		SustainedCritical: sustained,
	}, nil
}

// Health returns the current authoritative health value
func (e *Estimator) Health() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.h
}

// Band returns the current classification
func (e *Estimator) Band() Band {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.band
}

// Ticks returns the number of updates applied
func (e *Estimator) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Reset reinitializes the health value. Only node re-calibration may
// call this.
func (e *Estimator) Reset(initial float64) error {
	if initial < 0 || initial > 1 {
		return fmt.Errorf("health: initial health %g outside [0,1]", initial)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = initial
	e.band = Classify(initial)
	e.dwellTicks = 0
	e.signaled = false
	e.ticks = 0
	return nil
}
