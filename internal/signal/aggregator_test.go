package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/signal"
)

func TestAggregateMeansColumns(t *testing.T) {
	pr := testProjector(t)

	// Two identical samples: mean equals the single resolved state
	data := numeric.NewMatrix(3, 2)
	data.SetCol(0, []float64{2, -1, 7})
	data.SetCol(1, []float64{2, -1, 7})

	state, err := signal.Aggregate(pr, signal.Packet{
		Data:  data,
		Masks: []signal.ValidityMask{{true, true, true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, state.Effective)
	assert.Equal(t, []float64{9, 6}, state.Mean)
}

func TestAggregatePartialPacket(t *testing.T) {
	pr := testProjector(t)

	// A terminal packet with 10 columns averages over exactly 10,
	// never the configured window size
	const tPrime = 10
	data := numeric.NewMatrix(3, tPrime)
	for j := 0; j < tPrime; j++ {
		data.SetCol(j, []float64{float64(j), 0, 0})
	}

	state, err := signal.Aggregate(pr, signal.Packet{
		Data:  data,
		Masks: []signal.ValidityMask{{true, true, true}},
	})
	require.NoError(t, err)
	assert.Equal(t, tPrime, state.Effective)

	// Column j resolves to [j, 0]; mean of 0..9 is 4.5
	assert.InDelta(t, 4.5, state.Mean[0], 1e-12)
	assert.InDelta(t, 0.0, state.Mean[1], 1e-12)
}

func TestAggregatePerSampleMasks(t *testing.T) {
	pr := testProjector(t)

	data := numeric.NewMatrix(3, 2)
	data.SetCol(0, []float64{2, -1, 7})
	data.SetCol(1, []float64{2, -1, 7})

	state, err := signal.Aggregate(pr, signal.Packet{
		Data: data,
		Masks: []signal.ValidityMask{
			{true, true, true},
			{true, true, false},
		},
	})
	require.NoError(t, err)

	// Column 0 resolves to [9, 6]; column 1 to [3, -1.5]
	assert.InDelta(t, 6.0, state.Mean[0], 1e-12)
	assert.InDelta(t, 2.25, state.Mean[1], 1e-12)
}

func TestAggregateCountsAllInvalidColumns(t *testing.T) {
	pr := testProjector(t)

	data := numeric.NewMatrix(3, 2)
	data.SetCol(0, []float64{2, -1, 7})
	data.SetCol(1, []float64{5, 5, 5})

	state, err := signal.Aggregate(pr, signal.Packet{
		Data: data,
		Masks: []signal.ValidityMask{
			{true, true, true},
			{false, false, false},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, state.AllInvalidCols)

	// The dead column contributes zeros to the mean
	assert.InDelta(t, 4.5, state.Mean[0], 1e-12)
	assert.InDelta(t, 3.0, state.Mean[1], 1e-12)
}

func TestAggregateEmptyPacket(t *testing.T) {
	pr := testProjector(t)

	_, err := signal.Aggregate(pr, signal.Packet{Data: numeric.NewMatrix(3, 0)})
	assert.Error(t, err)
}
