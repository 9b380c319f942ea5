package health

import (
	"fmt"
	"math"
	"sync"

	"github.com/cdipaolo/goml/cluster"
)

// NoveltyScorer flags packet-state trajectories far from the clusters
// seen so far. A node whose health dynamic has settled while its
// packet states drift is the false-steady-state case the maintenance
// stimulus exists for; the score is a diagnostic only and never feeds
// back into the health recurrence.
type NoveltyScorer struct {
	model *cluster.KMeans

	dim          int
	observations [][]float64
	maxObs       int

	mu sync.RWMutex
}

// NewNoveltyScorer creates a scorer over dim-dimensional packet states
func NewNoveltyScorer(clusters, dim int) (*NoveltyScorer, error) {
	if clusters < 1 || dim < 1 {
		return nil, fmt.Errorf("health: invalid novelty scorer shape (%d clusters, %d dims)", clusters, dim)
	}

	// KMeans needs a non-empty training set at construction time
	seedData := make([][]float64, clusters)
	for i := 0; i < clusters; i++ {
		seedData[i] = make([]float64, dim)
	}

	return &NoveltyScorer{
		model:        cluster.NewKMeans(clusters, 10, seedData),
		dim:          dim,
		observations: make([][]float64, 0, 1000),
		maxObs:       1000,
	}, nil
}

// Score returns a novelty value in (0,1); higher means the packet
// state sits further from every learned cluster.
func (ns *NoveltyScorer) Score(state []float64) (float64, error) {
	if len(state) != ns.dim {
		return 0, fmt.Errorf("health: novelty state length %d, expected %d", len(state), ns.dim)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if len(ns.observations) < ns.maxObs {
		obs := make([]float64, ns.dim)
		copy(obs, state)
		ns.observations = append(ns.observations, obs)
	}

	centroid, err := ns.model.Predict(state)
	if err != nil {
		return 0, err
	}

	dist := euclideanDistance(state, centroid)

	// Sigmoid mapping: larger distance pushes the score toward 1
	return 1.0 - (1.0 / (1.0 + math.Exp(dist-2.0))), nil
}

// Retrain refits the cluster model on accumulated observations
func (ns *NoveltyScorer) Retrain() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if len(ns.observations) < 10 {
		return nil // not enough data yet
	}

	if err := ns.model.UpdateTrainingSet(ns.observations); err != nil {
		return err
	}
	return ns.model.Learn()
}

func euclideanDistance(a, b []float64) float64 {
	sum := 0.0
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	for i := 0; i < limit; i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
