package signal

import (
	"time"

	"github.com/biomesh-io/biomesh/internal/numeric"
)

// RawSample is one timestamped multi-channel reading, ordered by the
// channel schema layout. Produced by the external sensor-ingestion
// collaborator.
type RawSample struct {
	Timestamp time.Time
	Values    []float64
}

// ValidityMask marks, per channel, whether a sample value is
// trustworthy numeric data. Derived by the upstream sanity checker and
// consumed for exactly one sample or packet.
type ValidityMask []bool

// ValidCount returns the number of channels marked valid
func (m ValidityMask) ValidCount() int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

// Packet is a d x T block of consecutive raw samples. Masks holds
// either one shared mask for the whole packet or one mask per column.
// The terminal packet of a stream may carry fewer columns than the
// configured window.
type Packet struct {
	Data  numeric.Matrix
	Masks []ValidityMask
}

// Columns returns the number of samples actually present
func (p Packet) Columns() int {
	return p.Data.Cols
}

// MaskFor returns the validity mask applying to column j
func (p Packet) MaskFor(j int) ValidityMask {
	if len(p.Masks) == 1 {
		return p.Masks[0]
	}
	if j >= 0 && j < len(p.Masks) {
		return p.Masks[j]
	}
	return nil
}
