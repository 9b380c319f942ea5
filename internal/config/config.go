package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/schema"
	"github.com/biomesh-io/biomesh/internal/signal"
)

// Calibration is the versioned, per-node calibration artifact produced
// by the external configuration layer. It is loaded once at node
// start and never regenerated at runtime.
type Calibration struct {
	Version string `yaml:"version"`

	Schema struct {
		EEG  int `yaml:"eeg"`
		EMG  int `yaml:"emg"`
		EOG  int `yaml:"eog"`
		PPG  int `yaml:"ppg"`
		EDA  int `yaml:"eda"`
		Misc int `yaml:"misc"`
	} `yaml:"schema"`

	// Projection is P, n rows of d values
	Projection [][]float64 `yaml:"projection"`

	// ObservationWeights is w_h, length n
	ObservationWeights []float64 `yaml:"observation_weights"`

	// BioWeights overrides the default group weights when present
	BioWeights *struct {
		EEG  float64 `yaml:"eeg"`
		EMG  float64 `yaml:"emg"`
		EOG  float64 `yaml:"eog"`
		PPG  float64 `yaml:"ppg"`
		EDA  float64 `yaml:"eda"`
		Misc float64 `yaml:"misc"`
	} `yaml:"bio_weights"`

	// BioThreshold is J_thresh for the safety clamp
	BioThreshold float64 `yaml:"bio_threshold"`
}

// NodeConfig collects the runtime parameters of one node.
type NodeConfig struct {
	NodeID string `yaml:"node_id"`

	// SampleRate is Fs in Hz
	SampleRate float64 `yaml:"sample_rate"`
	// PacketWindow is T, the samples per packet
	PacketWindow int `yaml:"packet_window"`

	Health struct {
		Alpha         float64       `yaml:"alpha"`
		Beta          float64       `yaml:"beta"`
		HRef          float64       `yaml:"h_ref"`
		InitialHealth *float64      `yaml:"initial_health"`
		TrafficFloor  float64       `yaml:"traffic_floor"`
		CriticalDwell time.Duration `yaml:"critical_dwell"`
	} `yaml:"health"`

	Diffuser struct {
		Gamma      float64       `yaml:"gamma"`
		Mu         float64       `yaml:"mu"`
		Beta       float64       `yaml:"beta"`
		Tick       time.Duration `yaml:"tick"`
		StaleAfter time.Duration `yaml:"stale_after"`
	} `yaml:"diffuser"`

	Stimulus struct {
		Seed  int64   `yaml:"seed"`
		Bound float64 `yaml:"bound"`
	} `yaml:"stimulus"`

	Gossip struct {
		ListenAddr    string            `yaml:"listen_addr"`
		Peers         map[string]string `yaml:"peers"`
		Fanout        int               `yaml:"fanout"`
		RoundInterval time.Duration     `yaml:"round_interval"`
	} `yaml:"gossip"`
}

// File is the on-disk node configuration document
type File struct {
	Node        NodeConfig  `yaml:"node"`
	Calibration Calibration `yaml:"calibration"`
}

// DefaultNodeConfig returns runtime defaults; calibration has no
// default because it is always an explicit artifact.
func DefaultNodeConfig() NodeConfig {
	var c NodeConfig
	c.SampleRate = 256
	c.PacketWindow = 64
	c.Health.Alpha = 0.5
	c.Health.Beta = 0.1
	c.Health.HRef = 0.9
	c.Health.TrafficFloor = 1.0
	c.Health.CriticalDwell = 30 * time.Second
	c.Diffuser.Gamma = 0.2
	c.Diffuser.Mu = 0.1
	c.Diffuser.Beta = 0.05
	c.Diffuser.Tick = time.Second
	c.Diffuser.StaleAfter = 10 * time.Second
	c.Stimulus.Seed = 1
	c.Stimulus.Bound = 0.5
	c.Gossip.Fanout = 3
	c.Gossip.RoundInterval = time.Second
	return c
}

// Load reads and validates a node configuration file
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	f := &File{Node: DefaultNodeConfig()}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks cross-field consistency
func (f *File) Validate() error {
	if f.Node.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive, got %g", f.Node.SampleRate)
	}
	if f.Node.PacketWindow <= 0 {
		return fmt.Errorf("config: packet_window must be positive, got %d", f.Node.PacketWindow)
	}
	if f.Calibration.Version == "" {
		return fmt.Errorf("config: calibration version is required")
	}
	if len(f.Calibration.Projection) == 0 {
		return fmt.Errorf("config: calibration projection is required")
	}
	if len(f.Calibration.ObservationWeights) != len(f.Calibration.Projection) {
		return fmt.Errorf("config: observation_weights length %d, projection has %d rows",
			len(f.Calibration.ObservationWeights), len(f.Calibration.Projection))
	}
	if f.Calibration.BioThreshold <= 0 {
		return fmt.Errorf("config: bio_threshold must be positive, got %g", f.Calibration.BioThreshold)
	}
	return nil
}

// BuildSchema constructs the channel schema from the calibration
func (c *Calibration) BuildSchema() (*schema.ChannelSchema, error) {
	return schema.NewChannelSchema(
		c.Schema.EEG, c.Schema.EMG, c.Schema.EOG,
		c.Schema.PPG, c.Schema.EDA, c.Schema.Misc,
	)
}

// BuildBioWeights returns calibrated or default group weights
func (c *Calibration) BuildBioWeights() (schema.BioWeights, error) {
	if c.BioWeights == nil {
		return schema.DefaultBioWeights(), nil
	}
	w := c.BioWeights
	return schema.NewBioWeights(w.EEG, w.EMG, w.EOG, w.PPG, w.EDA, w.Misc)
}

// BuildProjector constructs the versioned masked state projector
func (c *Calibration) BuildProjector() (*signal.Projector, error) {
	s, err := c.BuildSchema()
	if err != nil {
		return nil, err
	}
	p, err := numeric.MatrixFromRows(c.Projection)
	if err != nil {
		return nil, fmt.Errorf("config: projection: %w", err)
	}
	return signal.NewProjector(s, p, c.Version)
}
