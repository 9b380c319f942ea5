package mesh_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomesh-io/biomesh/internal/mesh"
	"github.com/biomesh-io/biomesh/internal/numeric"
)

func fullyConnected(n int, w float64) numeric.Matrix {
	a := numeric.NewMatrix(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				a.Set(i, j, w)
			}
		}
	}
	return a
}

func TestTopologyUpdateAndSlots(t *testing.T) {
	topo := mesh.NewTopology()
	ids := []string{"a", "b", "c"}

	require.NoError(t, topo.Update(ids, fullyConnected(3, 1)))
	assert.Equal(t, 3, topo.Size())
	assert.ElementsMatch(t, ids, topo.Active())

	slotA, ok := topo.Slot("a")
	require.True(t, ok)
	slotB, ok := topo.Slot("b")
	require.True(t, ok)
	assert.Equal(t, 1.0, topo.Weight(slotA, slotB))
}

func TestTopologyRejectsMalformed(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b"}, fullyConnected(2, 1)))

	// 1. Wrong shape
	err := topo.Update([]string{"a", "b", "c"}, fullyConnected(2, 1))
	require.Error(t, err)

	// 2. Negative weight
	bad := fullyConnected(2, 1)
	bad.Set(0, 1, -1)
	bad.Set(1, 0, -1)
	err = topo.Update([]string{"a", "b"}, bad)
	require.Error(t, err)

	// 3. Non-zero diagonal
	bad = fullyConnected(2, 1)
	bad.Set(0, 0, 2)
	err = topo.Update([]string{"a", "b"}, bad)
	require.Error(t, err)

	// 4. Asymmetric
	bad = fullyConnected(2, 1)
	bad.Set(0, 1, 3)
	err = topo.Update([]string{"a", "b"}, bad)
	require.Error(t, err)

	// The previous topology is retained after every rejection
	slotA, _ := topo.Slot("a")
	slotB, _ := topo.Slot("b")
	assert.Equal(t, 1.0, topo.Weight(slotA, slotB))
}

func TestTopologyWithdrawFreezesSlot(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b", "c"}, fullyConnected(3, 1)))

	slotB, ok := topo.Slot("b")
	require.True(t, ok)

	require.NoError(t, topo.Withdraw("b"))
	assert.ElementsMatch(t, []string{"a", "c"}, topo.Active())

	// The slot stays allocated; other indices are untouched
	assert.Equal(t, 3, topo.Size())
	_, live := topo.NodeAt(slotB)
	assert.False(t, live)

	// All edges of the withdrawn node dropped to zero
	slotA, _ := topo.Slot("a")
	assert.Equal(t, 0.0, topo.Weight(slotA, slotB))
	assert.Equal(t, 0.0, topo.Weight(slotB, slotA))

	assert.Error(t, topo.Withdraw("unknown"))
}

func TestLaplacianRowsSumToZero(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b", "c", "d"}, fullyConnected(4, 0.5)))

	lap := topo.Laplacian()
	for i := 0; i < lap.Rows; i++ {
		sum := 0.0
		for j := 0; j < lap.Cols; j++ {
			sum += lap.At(i, j)
		}
		assert.InDelta(t, 0.0, sum, 1e-12)
	}
	// Degree of a fully connected 4-node graph with weight 0.5
	assert.InDelta(t, 1.5, lap.At(0, 0), 1e-12)
}

func TestNeighbors(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b", "c"}, fullyConnected(3, 2)))

	slotA, _ := topo.Slot("a")
	idx, w := topo.Neighbors(slotA)
	assert.Len(t, idx, 2)
	assert.Equal(t, []float64{2, 2}, w)
}
