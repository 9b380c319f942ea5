package signal

import "github.com/biomesh-io/biomesh/internal/numeric"

// PacketState is the temporal compression of one packet: the mean of
// the resolved states over the columns actually present.
type PacketState struct {
	Mean []float64 // length n
	// Effective is the number of columns averaged. For a terminal
	// partial packet this is T' < T; the divisor is never the
	// configured window size.
	Effective int
	// AllInvalidCols counts columns whose mask rejected every channel;
	// their zero states still enter the mean but downstream consumers
	// can discount the packet accordingly.
	AllInvalidCols int
}

// Aggregate resolves every packet column through the projector and
// averages the results. Columns with malformed masks are impossible by
// construction here (mask lengths are validated per column), so any
// error aborts the whole packet rather than skewing the mean.
func Aggregate(pr *Projector, pkt Packet) (PacketState, error) {
	t := pkt.Columns()
	if t == 0 {
		return PacketState{}, NewSignalError(ErrCodeEmptyPacket, "packet has no samples")
	}

	n := pr.StateDim()
	sum := make([]float64, n)
	col := make([]float64, pkt.Data.Rows)
	allInvalid := 0

	for j := 0; j < t; j++ {
		pkt.Data.Col(col, j)
		res, err := pr.Resolve(col, pkt.MaskFor(j))
		if err != nil {
			return PacketState{}, err
		}
		if res.AllInvalid {
			allInvalid++
		}
		numeric.AddScaled(sum, 1, res.State)
	}

	inv := 1.0 / float64(t)
	for i := range sum {
		sum[i] *= inv
	}

	return PacketState{Mean: sum, Effective: t, AllInvalidCols: allInvalid}, nil
}
