package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/utils"
)

// DiffuserConfig holds the gains of the swarm self-healing dynamic.
type DiffuserConfig struct {
	Gamma float64 // diffusion gain over graph edges
	Mu    float64 // per-node restoring gain toward HRef
	Beta  float64 // maintenance stimulus gain
	HRef  float64 // global baseline
	DT    float64 // tick period in seconds
	// StaleAfter classifies a neighbor as PARTITIONED. Staleness never
	// blocks the update; the last-known value is used regardless.
	StaleAfter time.Duration
}

// DefaultDiffuserConfig returns calibration defaults
func DefaultDiffuserConfig() DiffuserConfig {
	return DiffuserConfig{
		Gamma:      0.2,
		Mu:         0.1,
		Beta:       0.05,
		HRef:       0.9,
		DT:         1.0,
		StaleAfter: 10 * time.Second,
	}
}

func (c DiffuserConfig) validate() error {
	if c.Gamma <= 0 || c.Mu < 0 || c.Beta < 0 {
		return fmt.Errorf("mesh: invalid diffuser gains (gamma=%g mu=%g beta=%g)", c.Gamma, c.Mu, c.Beta)
	}
	if c.HRef <= 0 || c.HRef > 1 {
		return fmt.Errorf("mesh: h_ref must be in (0,1], got %g", c.HRef)
	}
	if c.DT <= 0 {
		return fmt.Errorf("mesh: dt must be positive, got %g", c.DT)
	}
	return nil
}

// OwnTick reports one own-row diffusion update.
type OwnTick struct {
	Health float64
	// Partitioned lists neighbors whose last report exceeded the
	// staleness timeout; their last-known values were still used.
	Partitioned []string
}

// Diffuser runs the graph-coupled health dynamic. Each node owns and
// writes only its own entry; neighbor entries are the latest gossiped
// values, replicated and eventually consistent. There is no global
// lock over the swarm vector.
type Diffuser struct {
	mu sync.RWMutex

	cfg  DiffuserConfig
	topo *Topology
	stim health.StimulusSource

	self     string
	selfSlot int

	values []float64   // by slot; own slot locally authoritative
	seen   []time.Time // last report per slot

	logger *utils.Logger
}

// NewDiffuser registers the owning node in the topology and seeds its
// own health entry.
func NewDiffuser(cfg DiffuserConfig, topo *Topology, selfID string, stim health.StimulusSource, initial float64, logger *utils.Logger) (*Diffuser, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if stim == nil {
		return nil, fmt.Errorf("mesh: stimulus source is required")
	}
	if logger == nil {
		logger = utils.DefaultLogger("diffuser")
	}

	d := &Diffuser{
		cfg:    cfg,
		topo:   topo,
		stim:   stim,
		self:   selfID,
		logger: logger,
	}
	d.selfSlot = topo.Ensure(selfID)
	d.growLocked(topo.Size())
	d.values[d.selfSlot] = numeric.Clip(initial, 0, 1)
	d.seen[d.selfSlot] = time.Now()
	return d, nil
}

func (d *Diffuser) growLocked(n int) {
	for len(d.values) < n {
		d.values = append(d.values, d.cfg.HRef)
		d.seen = append(d.seen, time.Time{})
	}
}

// Ingest records a neighbor's gossiped health value. Values are
// clipped into [0,1]; unknown nodes are admitted into the arena so a
// topology update arriving later finds their slot populated.
func (d *Diffuser) Ingest(nodeID string, h float64, at time.Time) {
	slot := d.topo.Ensure(nodeID)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.growLocked(d.topo.Size())
	if at.After(d.seen[slot]) {
		d.values[slot] = numeric.Clip(h, 0, 1)
		d.seen[slot] = at
	}
}

// SetOwn overrides the node's own entry, typically from the local
// health estimator between diffusion ticks.
func (d *Diffuser) SetOwn(h float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.growLocked(d.topo.Size())
	d.values[d.selfSlot] = numeric.Clip(h, 0, 1)
	d.seen[d.selfSlot] = time.Now()
}

// Topology returns the arena the diffuser operates over
func (d *Diffuser) Topology() *Topology {
	return d.topo
}

// Own returns the node's own health entry
func (d *Diffuser) Own() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.values[d.selfSlot]
}

// TickOwn advances only this node's row of the swarm dynamic, using
// the best available neighbor values. The update always proceeds;
// timeouts only classify staleness.
func (d *Diffuser) TickOwn(now time.Time) OwnTick {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.growLocked(d.topo.Size())

	neighbors, weights := d.topo.Neighbors(d.selfSlot)

	h := d.values[d.selfSlot]
	lap := 0.0
	var partitioned []string

	for k, slot := range neighbors {
		if slot >= len(d.values) {
			continue
		}
		w := weights[k]
		lap += w * (h - d.values[slot])

		if d.seen[slot].IsZero() || now.Sub(d.seen[slot]) > d.cfg.StaleAfter {
			if id, ok := d.topo.NodeAt(slot); ok {
				partitioned = append(partitioned, id)
			}
		}
	}

	u := d.stim.Next()
	next := h + d.cfg.DT*(-d.cfg.Gamma*lap-d.cfg.Mu*(h-d.cfg.HRef)+d.cfg.Beta*u)
	d.values[d.selfSlot] = numeric.Clip(next, 0, 1)
	d.seen[d.selfSlot] = now

	if len(partitioned) > 0 {
		d.logger.Warn("Neighbors partitioned, diffusing on last-known values",
			utils.Int("count", len(partitioned)),
		)
	}

	return OwnTick{Health: d.values[d.selfSlot], Partitioned: partitioned}
}

// StepVector computes one synchronous full-swarm update
// H_next = clip(H + dt*(-gamma*L*H - mu*(H - h_ref*1) + beta*U), 0, 1)
// over the supplied vector. Used for simulation and verification; the
// production path is the per-node TickOwn.
func (d *Diffuser) StepVector(H, U []float64) ([]float64, error) {
	lap := d.topo.Laplacian()
	if len(H) != lap.Rows {
		return nil, fmt.Errorf("mesh: health vector length %d, topology has %d slots", len(H), lap.Rows)
	}
	if U != nil && len(U) != len(H) {
		return nil, fmt.Errorf("mesh: stimulus vector length %d, expected %d", len(U), len(H))
	}

	lh, err := lap.MulVec(H)
	if err != nil {
		return nil, err
	}

	next := make([]float64, len(H))
	for i := range H {
		u := 0.0
		if U != nil {
			u = U[i]
		}
		v := H[i] + d.cfg.DT*(-d.cfg.Gamma*lh[i]-d.cfg.Mu*(H[i]-d.cfg.HRef)+d.cfg.Beta*u)
		next[i] = numeric.Clip(v, 0, 1)
	}
	return next, nil
}

// Snapshot returns the node's replicated view of the swarm: active
// node IDs and their latest health values.
func (d *Diffuser) Snapshot() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]float64)
	for slot := range d.values {
		if id, ok := d.topo.NodeAt(slot); ok {
			out[id] = d.values[slot]
		}
	}
	return out
}
