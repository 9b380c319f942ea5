package signal

import (
	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/schema"
)

// Projector resolves one raw sample plus validity mask into an
// n-dimensional node state. The projection matrix is a calibration
// artifact: loaded once per node, versioned, never regenerated at
// runtime.
type Projector struct {
	schema  *schema.ChannelSchema
	proj    numeric.Matrix // n x d
	version string
}

// Resolution is the outcome of projecting one sample.
type Resolution struct {
	State      []float64 // length n
	ValidCount int
	Scale      float64
	// AllInvalid is set when every channel was masked out. The state is
	// identically zero in that case and must be treated as "unknown",
	// not "measured and healthy".
	AllInvalid bool
}

// NewProjector validates the projection matrix against the schema
func NewProjector(s *schema.ChannelSchema, p numeric.Matrix, version string) (*Projector, error) {
	if p.Cols != s.Channels() {
		return nil, NewSignalError(ErrCodeBadProjection, "projection column count does not match schema").
			WithContext("cols", p.Cols).
			WithContext("channels", s.Channels())
	}
	if p.Rows <= 0 {
		return nil, NewSignalError(ErrCodeBadProjection, "projection has no output dimensions")
	}
	return &Projector{schema: s, proj: p.Clone(), version: version}, nil
}

// StateDim returns n, the resolved state dimension
func (pr *Projector) StateDim() int {
	return pr.proj.Rows
}

// Schema returns the channel schema the projector was calibrated for
func (pr *Projector) Schema() *schema.ChannelSchema {
	return pr.schema
}

// Version returns the calibration artifact version
func (pr *Projector) Version() string {
	return pr.version
}

// Resolve projects one sample. Invalid channels are zeroed and the
// remainder re-normalized by d/k_valid so partial coverage keeps
// amplitude consistent with the full channel count. Deterministic and
// side-effect-free.
func (pr *Projector) Resolve(values []float64, mask ValidityMask) (Resolution, error) {
	d := pr.schema.Channels()
	if len(values) != d {
		return Resolution{}, ErrMalformedSample(len(values), d)
	}
	if len(mask) != d {
		return Resolution{}, ErrInvalidMask(len(mask), d)
	}

	valid := mask.ValidCount()
	kValid := valid
	if kValid < 1 {
		kValid = 1
	}
	scale := float64(d) / float64(kValid)

	scaled := make([]float64, d)
	for i, v := range values {
		if mask[i] {
			scaled[i] = v * scale
		}
	}

	state, err := pr.proj.MulVec(scaled)
	if err != nil {
		return Resolution{}, NewSignalError(ErrCodeBadProjection, "projection failed").WithContext("cause", err.Error())
	}

	return Resolution{
		State:      state,
		ValidCount: valid,
		Scale:      scale,
		AllInvalid: valid == 0,
	}, nil
}
