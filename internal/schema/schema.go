package schema

import "fmt"

// ChannelGroup classifies a sensor channel for biosafety weighting
type ChannelGroup int

const (
	GroupEEG ChannelGroup = iota
	GroupEMG
	GroupEOG
	GroupPPG
	GroupEDA
	GroupMisc

	groupCount
)

var groupNames = map[ChannelGroup]string{
	GroupEEG:  "eeg",
	GroupEMG:  "emg",
	GroupEOG:  "eog",
	GroupPPG:  "ppg",
	GroupEDA:  "eda",
	GroupMisc: "misc",
}

func (g ChannelGroup) String() string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	return fmt.Sprintf("group(%d)", int(g))
}

// ChannelSchema is the fixed per-node-type channel layout. Group sizes
// are ordered EEG, EMG, EOG, PPG, EDA, misc and never change after
// calibration.
type ChannelSchema struct {
	sizes [groupCount]int
	total int
}

// NewChannelSchema builds a schema from ordered group sizes
func NewChannelSchema(eeg, emg, eog, ppg, eda, misc int) (*ChannelSchema, error) {
	s := &ChannelSchema{sizes: [groupCount]int{eeg, emg, eog, ppg, eda, misc}}
	for g, n := range s.sizes {
		if n < 0 {
			return nil, fmt.Errorf("schema: negative size %d for group %s", n, ChannelGroup(g))
		}
		s.total += n
	}
	if s.total == 0 {
		return nil, fmt.Errorf("schema: no channels defined")
	}
	return s, nil
}

// Channels returns d, the total channel count
func (s *ChannelSchema) Channels() int {
	return s.total
}

// GroupSize returns the channel count of one group
func (s *ChannelSchema) GroupSize(g ChannelGroup) int {
	if g < 0 || g >= groupCount {
		return 0
	}
	return s.sizes[g]
}

// GroupOf maps a channel index to its group
func (s *ChannelSchema) GroupOf(channel int) (ChannelGroup, error) {
	if channel < 0 || channel >= s.total {
		return GroupMisc, fmt.Errorf("schema: channel %d out of range [0,%d)", channel, s.total)
	}
	offset := 0
	for g, n := range s.sizes {
		if channel < offset+n {
			return ChannelGroup(g), nil
		}
		offset += n
	}
	return GroupMisc, fmt.Errorf("schema: channel %d unmapped", channel)
}

// BioWeights holds one biocompatibility weight per channel group.
// Exposure-sensitive groups (EMG, PPG) are weighted higher.
type BioWeights struct {
	weights [groupCount]float64
}

// DefaultBioWeights returns the calibrated default group weights
func DefaultBioWeights() BioWeights {
	return BioWeights{weights: [groupCount]float64{
		GroupEEG:  1.0,
		GroupEMG:  1.5,
		GroupEOG:  1.2,
		GroupPPG:  1.4,
		GroupEDA:  1.3,
		GroupMisc: 0.5,
	}}
}

// NewBioWeights builds weights from explicit per-group values
func NewBioWeights(eeg, emg, eog, ppg, eda, misc float64) (BioWeights, error) {
	w := BioWeights{weights: [groupCount]float64{eeg, emg, eog, ppg, eda, misc}}
	for g, v := range w.weights {
		if v < 0 {
			return BioWeights{}, fmt.Errorf("schema: negative weight %g for group %s", v, ChannelGroup(g))
		}
	}
	return w, nil
}

// Weight returns the weight for one group
func (w BioWeights) Weight(g ChannelGroup) float64 {
	if g < 0 || g >= groupCount {
		return 0
	}
	return w.weights[g]
}

// ChannelWeights expands group weights into a per-channel diagonal,
// ordered by the schema layout. This is the diagonal of C_bio.
func (w BioWeights) ChannelWeights(s *ChannelSchema) []float64 {
	out := make([]float64, 0, s.Channels())
	for g := ChannelGroup(0); g < groupCount; g++ {
		wg := w.weights[g]
		for i := 0; i < s.GroupSize(g); i++ {
			out = append(out, wg)
		}
	}
	return out
}
