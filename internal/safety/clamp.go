package safety

import (
	"fmt"
	"math"

	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/schema"
)

// epsilon keeps the rescale finite when the cost barely exceeds a
// near-zero threshold.
const epsilon = 1e-9

// Clamp bounds the biocompatibility cost of raw packets before they
// contribute to health and reporting. It is a safety gate applied to
// every packet, independent of channel validity or calibration drift.
type Clamp struct {
	weights   []float64 // per-channel diagonal of C_bio
	threshold float64
}

// Result reports the clamp outcome for one packet.
type Result struct {
	Data     numeric.Matrix
	Violated bool
	Cost     float64 // J_bio of the incoming packet
	Scale    float64 // applied rescale, 1 when no violation
}

// NewClamp expands the group weights over the schema layout
func NewClamp(s *schema.ChannelSchema, w schema.BioWeights, threshold float64) (*Clamp, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("safety: threshold must be positive, got %g", threshold)
	}
	return &Clamp{weights: w.ChannelWeights(s), threshold: threshold}, nil
}

// Cost computes J_bio, the squared Frobenius norm of C_bio * S
func (c *Clamp) Cost(data numeric.Matrix) (float64, error) {
	if data.Rows != len(c.weights) {
		return 0, fmt.Errorf("safety: packet has %d channels, clamp calibrated for %d", data.Rows, len(c.weights))
	}
	cost := 0.0
	for i := 0; i < data.Rows; i++ {
		w := c.weights[i]
		row := data.Data[i*data.Cols : (i+1)*data.Cols]
		for _, v := range row {
			wv := w * v
			cost += wv * wv
		}
	}
	return cost, nil
}

// Apply returns the packet unchanged when J_bio is within the
// threshold, otherwise a uniformly rescaled copy. A violation is a
// reportable event, never a reason to drop the packet: the clamped
// data still flows into aggregation.
func (c *Clamp) Apply(data numeric.Matrix) (Result, error) {
	cost, err := c.Cost(data)
	if err != nil {
		return Result{}, err
	}

	if cost <= c.threshold {
		return Result{Data: data, Violated: false, Cost: cost, Scale: 1}, nil
	}

	scale := math.Sqrt(c.threshold / (cost + epsilon))
	return Result{
		Data:     data.Scale(scale),
		Violated: true,
		Cost:     cost,
		Scale:    scale,
	}, nil
}

// Threshold returns the configured J_thresh
func (c *Clamp) Threshold() float64 {
	return c.threshold
}
