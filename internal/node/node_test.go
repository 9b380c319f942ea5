package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomesh-io/biomesh/internal/events"
	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/mesh"
	"github.com/biomesh-io/biomesh/internal/node"
	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/safety"
	"github.com/biomesh-io/biomesh/internal/schema"
	"github.com/biomesh-io/biomesh/internal/signal"
)

// testPipeline wires a 3-channel (2 EEG + 1 PPG) node with a 2-dim
// state projection and no diffuser.
func testPipeline(t *testing.T, window int, threshold float64) (*node.Supervisor, *events.Bus) {
	t.Helper()

	s, err := schema.NewChannelSchema(2, 0, 0, 1, 0, 0)
	require.NoError(t, err)

	p, err := numeric.MatrixFromRows([][]float64{
		{1, 0, 0},
		{0, 0, 1},
	})
	require.NoError(t, err)
	pr, err := signal.NewProjector(s, p, "cal-test")
	require.NoError(t, err)

	clamp, err := safety.NewClamp(s, schema.DefaultBioWeights(), threshold)
	require.NoError(t, err)

	stim, err := health.NewPatternSource([]float64{0})
	require.NoError(t, err)
	cfg := health.DefaultEstimatorConfig()
	cfg.DT = float64(window) / 256.0
	est, err := health.NewEstimator(cfg, []float64{1, 1}, stim, 0.9)
	require.NoError(t, err)

	bus := events.NewBus(64)
	sup := node.NewSupervisor(node.SupervisorConfig{
		NodeID:       "bm-test",
		PacketWindow: window,
		SampleRate:   256,
		IngestQueue:  128,
	}, pr, clamp, est, nil, bus, nil)
	return sup, bus
}

func startSupervisor(t *testing.T, sup *node.Supervisor) {
	t.Helper()
	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)
}

func allValid(d int) signal.ValidityMask {
	m := make(signal.ValidityMask, d)
	for i := range m {
		m[i] = true
	}
	return m
}

func offerN(t *testing.T, sup *node.Supervisor, n int, values []float64, mask signal.ValidityMask) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok := sup.Offer(signal.RawSample{Timestamp: time.Now(), Values: values}, mask)
		require.True(t, ok)
	}
}

func TestFullWindowTriggersPacketChain(t *testing.T) {
	sup, _ := testPipeline(t, 4, 1000)
	startSupervisor(t, sup)

	offerN(t, sup, 4, []float64{0.1, 0.2, 0.3}, allValid(3))

	require.Eventually(t, func() bool {
		return sup.Stats().Packets == 1
	}, time.Second, 2*time.Millisecond)

	st := sup.Stats()
	assert.Equal(t, uint64(4), st.SamplesIn)
	assert.Equal(t, uint64(0), st.PartialPackets)
	assert.Equal(t, uint64(0), st.SamplesDropped)
	assert.NotEmpty(t, st.Band)
}

func TestStopFlushesTerminalPartialPacket(t *testing.T) {
	sup, _ := testPipeline(t, 8, 1000)
	startSupervisor(t, sup)

	offerN(t, sup, 3, []float64{0.1, 0.2, 0.3}, allValid(3))
	sup.Stop()

	st := sup.Stats()
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, uint64(1), st.PartialPackets)
}

func TestMalformedSamplesAreDroppedAndReported(t *testing.T) {
	sup, bus := testPipeline(t, 4, 1000)
	ch, cancel := bus.Subscribe("test")
	defer cancel()
	startSupervisor(t, sup)

	// Wrong channel count
	sup.Offer(signal.RawSample{Values: []float64{1, 2}}, allValid(3))
	// Wrong mask length
	sup.Offer(signal.RawSample{Values: []float64{1, 2, 3}}, allValid(2))

	require.Eventually(t, func() bool {
		return sup.Stats().SamplesDropped == 2
	}, time.Second, 2*time.Millisecond)

	kinds := map[events.Kind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			kinds[ev.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("missing anomaly event")
		}
	}
	assert.True(t, kinds[events.KindMalformedSample])
	assert.True(t, kinds[events.KindInvalidMask])

	// Dropped samples never enter the window
	assert.Equal(t, uint64(0), sup.Stats().Packets)
}

func TestAllInvalidSampleCountsAndWarns(t *testing.T) {
	sup, bus := testPipeline(t, 4, 1000)
	ch, cancel := bus.Subscribe("test")
	defer cancel()
	startSupervisor(t, sup)

	sup.Offer(signal.RawSample{Values: []float64{1, 2, 3}}, make(signal.ValidityMask, 3))

	require.Eventually(t, func() bool {
		return sup.Stats().AllInvalid == 1
	}, time.Second, 2*time.Millisecond)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindNoValidChannels, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("missing no_valid_channels event")
	}
}

func TestBiocompatViolationEmitsEvent(t *testing.T) {
	// Threshold small enough that any real signal trips the clamp
	sup, bus := testPipeline(t, 2, 1e-6)
	ch, cancel := bus.Subscribe("test")
	defer cancel()
	startSupervisor(t, sup)

	offerN(t, sup, 2, []float64{5, 5, 5}, allValid(3))

	require.Eventually(t, func() bool {
		return sup.Stats().Violations == 1
	}, time.Second, 2*time.Millisecond)

	select {
	case ev := <-ch:
		require.Equal(t, events.KindBiocompatViolated, ev.Kind)
		assert.Contains(t, ev.Fields, "j_bio")
		assert.Contains(t, ev.Fields, "scale")
	case <-time.After(time.Second):
		t.Fatal("missing biocompat event")
	}
}

func TestHealthTrajectoryIsDeterministic(t *testing.T) {
	run := func() float64 {
		sup, _ := testPipeline(t, 4, 1000)
		startSupervisor(t, sup)
		for p := 0; p < 3; p++ {
			offerN(t, sup, 4, []float64{0.4, 0.1, 0.2}, allValid(3))
			require.Eventually(t, func() bool {
				return sup.Stats().Packets == uint64(p+1)
			}, time.Second, 2*time.Millisecond)
		}
		return sup.Stats().Health
	}

	first := run()
	assert.Equal(t, first, run())
}

func TestOfferDropsWhenQueueFull(t *testing.T) {
	sup, _ := testPipeline(t, 4, 1000)
	// Not started: the queue only fills

	values := []float64{0.1, 0.2, 0.3}
	mask := allValid(3)
	dropped := 0
	for i := 0; i < 256; i++ {
		if !sup.Offer(signal.RawSample{Values: values}, mask) {
			dropped++
		}
	}

	assert.Greater(t, dropped, 0)
	assert.Equal(t, uint64(dropped), sup.Stats().QueueDropped)
}

func TestPacketPeriod(t *testing.T) {
	sup, _ := testPipeline(t, 4, 1000)
	// 4 samples at 256 Hz
	assert.Equal(t, time.Duration(15625000), sup.PacketPeriod())
}

func TestApplyTopologyRejectionEmitsEvent(t *testing.T) {
	sup, bus := testPipeline(t, 4, 1000)

	// No diffuser attached in this pipeline
	bad, err := numeric.MatrixFromRows([][]float64{{0, -1}, {-1, 0}})
	require.NoError(t, err)
	assert.Error(t, sup.ApplyTopology([]string{"a", "b"}, bad))

	topo := mesh.NewTopology()
	stim, err := health.NewPatternSource([]float64{0})
	require.NoError(t, err)
	diff, err := mesh.NewDiffuser(mesh.DefaultDiffuserConfig(), topo, "bm-test", stim, 0.9, nil)
	require.NoError(t, err)

	s2, err := schema.NewChannelSchema(2, 0, 0, 1, 0, 0)
	require.NoError(t, err)
	p, err := numeric.MatrixFromRows([][]float64{{1, 0, 0}, {0, 0, 1}})
	require.NoError(t, err)
	pr, err := signal.NewProjector(s2, p, "cal-test")
	require.NoError(t, err)
	clamp, err := safety.NewClamp(s2, schema.DefaultBioWeights(), 1000)
	require.NoError(t, err)
	cfg := health.DefaultEstimatorConfig()
	est, err := health.NewEstimator(cfg, []float64{1, 1}, stim, 0.9)
	require.NoError(t, err)

	sup2 := node.NewSupervisor(node.SupervisorConfig{
		NodeID: "bm-test", PacketWindow: 4, SampleRate: 256,
	}, pr, clamp, est, diff, bus, nil)

	ch, cancel := bus.Subscribe("topo")
	defer cancel()

	// Negative weights are rejected and the old topology is retained
	assert.Error(t, sup2.ApplyTopology([]string{"a", "b"}, bad))
	select {
	case ev := <-ch:
		assert.Equal(t, events.KindTopologyRejected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("missing topology_rejected event")
	}

	good, err := numeric.MatrixFromRows([][]float64{{0, 1}, {1, 0}})
	require.NoError(t, err)
	assert.NoError(t, sup2.ApplyTopology([]string{"a", "b"}, good))
}

func TestDoubleStartRejected(t *testing.T) {
	sup, _ := testPipeline(t, 4, 1000)
	startSupervisor(t, sup)
	assert.Error(t, sup.Start(context.Background()))
}
