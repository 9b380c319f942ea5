package mesh

import (
	"math"
	"sync"

	"github.com/biomesh-io/biomesh/internal/numeric"
)

// symTolerance is the allowed asymmetry when validating adjacency
// updates coming over the wire.
const symTolerance = 1e-9

// Topology is the arena-indexed view of the known swarm. Node IDs map
// to stable integer slots: joins take the lowest free slot and
// withdrawals deactivate a slot without compacting, so other nodes'
// indices stay valid across membership churn.
type Topology struct {
	mu     sync.RWMutex
	slots  []string       // slot -> node ID
	index  map[string]int // node ID -> slot
	active []bool
	adj    numeric.Matrix // N x N over slots, withdrawn rows zeroed
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{index: make(map[string]int)}
}

// Ensure returns the slot for a node, assigning one if needed
func (t *Topology) Ensure(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(nodeID)
}

func (t *Topology) ensureLocked(nodeID string) int {
	if slot, ok := t.index[nodeID]; ok {
		t.active[slot] = true
		return slot
	}
	for slot, act := range t.active {
		if !act && t.slots[slot] == "" {
			t.slots[slot] = nodeID
			t.active[slot] = true
			t.index[nodeID] = slot
			return slot
		}
	}
	slot := len(t.slots)
	t.slots = append(t.slots, nodeID)
	t.active = append(t.active, true)
	t.index[nodeID] = slot
	t.growLocked(len(t.slots))
	return slot
}

// growLocked expands the adjacency matrix to n x n, keeping weights
func (t *Topology) growLocked(n int) {
	if t.adj.Rows >= n {
		return
	}
	next := numeric.NewMatrix(n, n)
	for i := 0; i < t.adj.Rows; i++ {
		for j := 0; j < t.adj.Cols; j++ {
			next.Set(i, j, t.adj.At(i, j))
		}
	}
	t.adj = next
}

// Update replaces edge weights from a discovery-layer adjacency
// update. ids orders the rows/columns of a. A malformed update
// (wrong shape, negative weight, non-zero diagonal, asymmetric) is
// rejected and the previous topology retained.
func (t *Topology) Update(ids []string, a numeric.Matrix) error {
	if a.Rows != len(ids) || a.Cols != len(ids) {
		return ErrTopologyInvalid("adjacency shape does not match id list").
			WithContext("ids", len(ids)).
			WithContext("rows", a.Rows).
			WithContext("cols", a.Cols)
	}
	for i := 0; i < a.Rows; i++ {
		if a.At(i, i) != 0 {
			return ErrTopologyInvalid("non-zero diagonal").WithContext("node", ids[i])
		}
		for j := 0; j < a.Cols; j++ {
			w := a.At(i, j)
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return ErrTopologyInvalid("invalid edge weight").
					WithContext("from", ids[i]).
					WithContext("to", ids[j]).
					WithContext("weight", w)
			}
			if math.Abs(w-a.At(j, i)) > symTolerance {
				return ErrTopologyInvalid("asymmetric adjacency").
					WithContext("from", ids[i]).
					WithContext("to", ids[j])
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	slots := make([]int, len(ids))
	for i, id := range ids {
		slots[i] = t.ensureLocked(id)
	}

	// Zero the touched rows/columns before writing the new weights so
	// edges absent from the update disappear.
	touched := make(map[int]bool, len(slots))
	for _, s := range slots {
		touched[s] = true
	}
	for i := 0; i < t.adj.Rows; i++ {
		for j := 0; j < t.adj.Cols; j++ {
			if touched[i] || touched[j] {
				t.adj.Set(i, j, 0)
			}
		}
	}
	for i := range ids {
		for j := range ids {
			t.adj.Set(slots[i], slots[j], a.At(i, j))
		}
	}
	return nil
}

// Withdraw removes a node from the live topology. Its slot stays
// allocated and its last health entry is frozen by the diffuser, so
// neighbors see its edges drop to zero rather than an index shift.
func (t *Topology) Withdraw(nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.index[nodeID]
	if !ok {
		return ErrNodeUnknown(nodeID)
	}
	t.active[slot] = false
	for j := 0; j < t.adj.Cols; j++ {
		t.adj.Set(slot, j, 0)
		t.adj.Set(j, slot, 0)
	}
	return nil
}

// Slot returns the arena slot for a node
func (t *Topology) Slot(nodeID string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, ok := t.index[nodeID]
	return slot, ok
}

// NodeAt returns the node ID occupying a slot
func (t *Topology) NodeAt(slot int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if slot < 0 || slot >= len(t.slots) || !t.active[slot] {
		return "", false
	}
	return t.slots[slot], true
}

// Size returns the arena size (allocated slots, active or not)
func (t *Topology) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Active returns the IDs of live nodes
func (t *Topology) Active() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.slots))
	for slot, id := range t.slots {
		if t.active[slot] {
			out = append(out, id)
		}
	}
	return out
}

// Neighbors returns the slots and weights of a node's non-zero edges
func (t *Topology) Neighbors(slot int) ([]int, []float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if slot < 0 || slot >= t.adj.Rows {
		return nil, nil
	}
	var idx []int
	var w []float64
	for j := 0; j < t.adj.Cols; j++ {
		if v := t.adj.At(slot, j); v > 0 {
			idx = append(idx, j)
			w = append(w, v)
		}
	}
	return idx, w
}

// Weight returns the edge weight between two slots
func (t *Topology) Weight(i, j int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || j < 0 || i >= t.adj.Rows || j >= t.adj.Cols {
		return 0
	}
	return t.adj.At(i, j)
}

// Laplacian returns L = D - A over the current arena. Withdrawn slots
// contribute zero rows and columns.
func (t *Topology) Laplacian() numeric.Matrix {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.adj.Rows
	lap := numeric.NewMatrix(n, n)
	for i := 0; i < n; i++ {
		deg := 0.0
		for j := 0; j < n; j++ {
			w := t.adj.At(i, j)
			deg += w
			lap.Set(i, j, -w)
		}
		lap.Set(i, i, deg)
	}
	return lap
}
