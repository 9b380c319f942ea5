package mesh_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/mesh"
)

func zeroStim(t *testing.T) health.StimulusSource {
	t.Helper()
	src, err := health.NewPatternSource([]float64{0})
	require.NoError(t, err)
	return src
}

func testDiffuser(t *testing.T, cfg mesh.DiffuserConfig, topo *mesh.Topology, self string, initial float64) *mesh.Diffuser {
	t.Helper()
	d, err := mesh.NewDiffuser(cfg, topo, self, zeroStim(t), initial, nil)
	require.NoError(t, err)
	return d
}

func TestStepVectorConservesMeanUnderPureDiffusion(t *testing.T) {
	// Fully connected 4-node equal-weight graph, mu=0, U=0:
	// diffusion redistributes health but total is conserved
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b", "c", "d"}, fullyConnected(4, 1)))

	cfg := mesh.DefaultDiffuserConfig()
	cfg.Mu = 0
	cfg.Gamma = 0.05
	cfg.DT = 1
	d := testDiffuser(t, cfg, topo, "a", 0.9)

	H := []float64{0.9, 0.2, 0.6, 0.5}
	sumBefore := 0.0
	for _, h := range H {
		sumBefore += h
	}

	next, err := d.StepVector(H, nil)
	require.NoError(t, err)

	sumAfter := 0.0
	for _, h := range next {
		sumAfter += h
	}
	assert.InDelta(t, sumBefore, sumAfter, 1e-12)
	assert.NotEqual(t, H, next, "diffusion must actually move health around")
}

func TestStepVectorPullsFailingNodeUp(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b", "c", "d"}, fullyConnected(4, 1)))

	cfg := mesh.DefaultDiffuserConfig()
	cfg.Mu = 0
	cfg.Gamma = 0.05
	cfg.DT = 1
	d := testDiffuser(t, cfg, topo, "a", 0.9)

	H := []float64{0.9, 0.9, 0.9, 0.1}
	next, err := d.StepVector(H, nil)
	require.NoError(t, err)

	assert.Greater(t, next[3], 0.1, "healthy neighbors pull the failing node up")
	assert.Less(t, next[0], 0.9, "donors give up a little health")
}

func TestStepVectorRestoringForce(t *testing.T) {
	// With no edges at all, mu alone pulls every node toward h_ref
	topo := mesh.NewTopology()
	topo.Ensure("a")

	cfg := mesh.DefaultDiffuserConfig()
	cfg.Mu = 0.5
	cfg.HRef = 0.9
	cfg.DT = 1
	d := testDiffuser(t, cfg, topo, "a", 0.4)

	H := []float64{0.4}
	for i := 0; i < 50; i++ {
		var err error
		H, err = d.StepVector(H, nil)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.9, H[0], 0.01)
}

func TestStepVectorValidatesLengths(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"a", "b"}, fullyConnected(2, 1)))
	d := testDiffuser(t, mesh.DefaultDiffuserConfig(), topo, "a", 0.9)

	_, err := d.StepVector([]float64{0.5}, nil)
	assert.Error(t, err)

	_, err = d.StepVector([]float64{0.5, 0.5}, []float64{0.1})
	assert.Error(t, err)
}

func TestTickOwnUsesNeighborReports(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"self", "peer"}, fullyConnected(2, 1)))

	cfg := mesh.DefaultDiffuserConfig()
	cfg.Gamma = 0.2
	cfg.Mu = 0
	cfg.DT = 1
	cfg.StaleAfter = time.Hour
	d := testDiffuser(t, cfg, topo, "self", 0.2)

	now := time.Now()
	d.Ingest("peer", 1.0, now)

	res := d.TickOwn(now)
	// lap = 1 * (0.2 - 1.0) = -0.8; next = 0.2 + 1*(-0.2*-0.8) = 0.36
	assert.InDelta(t, 0.36, res.Health, 1e-12)
	assert.Empty(t, res.Partitioned)
}

func TestTickOwnFlagsPartitionedNeighbors(t *testing.T) {
	topo := mesh.NewTopology()
	require.NoError(t, topo.Update([]string{"self", "peer"}, fullyConnected(2, 1)))

	cfg := mesh.DefaultDiffuserConfig()
	cfg.StaleAfter = time.Second
	d := testDiffuser(t, cfg, topo, "self", 0.5)

	reported := time.Now()
	d.Ingest("peer", 0.8, reported)

	// Well past the staleness timeout: the update proceeds on the
	// last-known value but flags the neighbor
	res := d.TickOwn(reported.Add(time.Minute))
	assert.Equal(t, []string{"peer"}, res.Partitioned)
}

func TestIngestKeepsLatestReport(t *testing.T) {
	topo := mesh.NewTopology()
	d := testDiffuser(t, mesh.DefaultDiffuserConfig(), topo, "self", 0.5)

	now := time.Now()
	d.Ingest("peer", 0.7, now)
	// An older report must not overwrite a newer one
	d.Ingest("peer", 0.1, now.Add(-time.Minute))

	snap := d.Snapshot()
	assert.Equal(t, 0.7, snap["peer"])
}

func TestSetOwnClipsAndPublishes(t *testing.T) {
	topo := mesh.NewTopology()
	d := testDiffuser(t, mesh.DefaultDiffuserConfig(), topo, "self", 0.5)

	d.SetOwn(1.7)
	assert.Equal(t, 1.0, d.Own())

	d.SetOwn(-0.3)
	assert.Equal(t, 0.0, d.Own())
}
