package node

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biomesh-io/biomesh/internal/events"
	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/mesh"
	"github.com/biomesh-io/biomesh/internal/numeric"
	"github.com/biomesh-io/biomesh/internal/safety"
	"github.com/biomesh-io/biomesh/internal/signal"
	"github.com/biomesh-io/biomesh/internal/utils"
)

// SupervisorConfig holds the stream-side parameters of one node.
type SupervisorConfig struct {
	NodeID string
	// PacketWindow is T, the samples per packet
	PacketWindow int
	// SampleRate is Fs in Hz; the packet tick period is T/Fs
	SampleRate float64
	// IngestQueue bounds the sample channel; Offer drops when full so
	// the sensor path never blocks on a slow packet chain.
	IngestQueue int
	// DiffuserTick is the coarser swarm diffusion period; zero
	// disables the loop (single-node operation).
	DiffuserTick time.Duration
}

// DefaultSupervisorConfig returns stream defaults
func DefaultSupervisorConfig(nodeID string) SupervisorConfig {
	return SupervisorConfig{
		NodeID:       nodeID,
		PacketWindow: 64,
		SampleRate:   256,
		IngestQueue:  1024,
		DiffuserTick: time.Second,
	}
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	SamplesIn      uint64
	SamplesDropped uint64
	QueueDropped   uint64
	Packets        uint64
	PartialPackets uint64
	Violations     uint64
	AllInvalid     uint64
	NovelPackets   uint64
	Health         float64
	Band           string
}

type queuedSample struct {
	values []float64
	mask   signal.ValidityMask
	at     time.Time
}

// Supervisor runs one node's resolve/aggregate/clamp/health chain over
// a continuous sample stream. Samples arrive through Offer; packet
// boundaries every PacketWindow samples trigger the bounded packet
// chain; the diffuser ticks on its own coarser period.
type Supervisor struct {
	cfg SupervisorConfig

	projector *signal.Projector
	clamp     *safety.Clamp
	estimator *health.Estimator
	diffuser  *mesh.Diffuser
	novelty   *health.NoveltyScorer
	bus       *events.Bus
	logger    *utils.Logger

	ingest  chan queuedSample
	traffic atomic.Value // float64

	// packet window accumulation, owned by the run loop
	window numeric.Matrix
	masks  []signal.ValidityMask
	filled int

	samplesIn      uint64
	samplesDropped uint64
	queueDropped   uint64
	packets        uint64
	partialPackets uint64
	violations     uint64
	allInvalid     uint64
	novelPackets   uint64

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor assembles the per-node pipeline. The diffuser may be
// nil for a node operating outside any swarm.
func NewSupervisor(cfg SupervisorConfig, projector *signal.Projector, clamp *safety.Clamp, estimator *health.Estimator, diffuser *mesh.Diffuser, bus *events.Bus, logger *utils.Logger) *Supervisor {
	if cfg.PacketWindow <= 0 {
		cfg.PacketWindow = 64
	}
	if cfg.IngestQueue <= 0 {
		cfg.IngestQueue = 1024
	}
	if logger == nil {
		logger = utils.DefaultLogger("node")
	}

	s := &Supervisor{
		cfg:       cfg,
		projector: projector,
		clamp:     clamp,
		estimator: estimator,
		diffuser:  diffuser,
		bus:       bus,
		logger:    logger,
		ingest:    make(chan queuedSample, cfg.IngestQueue),
		window:    numeric.NewMatrix(projector.Schema().Channels(), cfg.PacketWindow),
		masks:     make([]signal.ValidityMask, 0, cfg.PacketWindow),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.traffic.Store(0.0)
	return s
}

// Start launches the stream and diffusion loops
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return utils.NewError("supervisor already running")
	}

	go s.run(ctx)
	s.logger.Info("Node supervisor started",
		utils.String("node", s.cfg.NodeID),
		utils.Int("packet_window", s.cfg.PacketWindow),
		utils.Float64("sample_rate", s.cfg.SampleRate),
		utils.String("calibration", s.projector.Version()),
	)
	return nil
}

// Stop drains the stream, flushes the terminal partial packet and
// waits for the loops to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})
	<-s.done
	s.running.Store(false)
}

// Offer submits one sample without blocking. A full queue drops the
// sample and counts it; the sensor stream must never stall.
func (s *Supervisor) Offer(sample signal.RawSample, mask signal.ValidityMask) bool {
	q := queuedSample{values: sample.Values, mask: mask, at: sample.Timestamp}
	select {
	case s.ingest <- q:
		return true
	default:
		atomic.AddUint64(&s.queueDropped, 1)
		return false
	}
}

// SetTraffic updates the external traffic-volume signal gating the
// self-test stimulus.
func (s *Supervisor) SetTraffic(volume float64) {
	s.traffic.Store(volume)
}

// noveltyThreshold marks a packet state as drifted from the clusters
// seen so far.
const noveltyThreshold = 0.7

// retrainEvery is the packet cadence for refitting the novelty model
const retrainEvery = 100

// AttachNoveltyScorer enables packet-state drift diagnostics. Must be
// called before Start.
func (s *Supervisor) AttachNoveltyScorer(ns *health.NoveltyScorer) {
	s.novelty = ns
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	var diffTick <-chan time.Time
	if s.diffuser != nil && s.cfg.DiffuserTick > 0 {
		ticker := time.NewTicker(s.cfg.DiffuserTick)
		defer ticker.Stop()
		diffTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.flush(true)
			return
		case <-s.shutdown:
			s.drain()
			s.flush(true)
			return
		case q := <-s.ingest:
			s.consume(q)
		case <-diffTick:
			s.tickDiffuser(time.Now())
		}
	}
}

// drain consumes whatever is still queued at shutdown
func (s *Supervisor) drain() {
	for {
		select {
		case q := <-s.ingest:
			s.consume(q)
		default:
			return
		}
	}
}

// consume validates one sample into the packet window. The inline
// resolution also surfaces per-sample anomalies while the raw values
// are what the window stores, since the safety clamp operates on raw
// packets.
func (s *Supervisor) consume(q queuedSample) {
	atomic.AddUint64(&s.samplesIn, 1)

	res, err := s.projector.Resolve(q.values, q.mask)
	if err != nil {
		atomic.AddUint64(&s.samplesDropped, 1)
		kind := events.KindMalformedSample
		if se, ok := err.(*signal.SignalError); ok && se.Code == signal.ErrCodeInvalidMask {
			kind = events.KindInvalidMask
		}
		s.publish(kind, map[string]interface{}{"error": err.Error()})
		return
	}
	if res.AllInvalid {
		atomic.AddUint64(&s.allInvalid, 1)
		s.publish(events.KindNoValidChannels, map[string]interface{}{
			"timestamp": q.at,
		})
	}

	s.window.SetCol(s.filled, q.values)
	s.masks = append(s.masks, q.mask)
	s.filled++

	if s.filled == s.cfg.PacketWindow {
		s.flush(false)
	}
}

// flush runs the packet chain over the accumulated window. terminal
// marks a stream-end flush, which may carry fewer columns than T.
func (s *Supervisor) flush(terminal bool) {
	if s.filled == 0 {
		return
	}

	// Copy out the filled columns; a terminal packet keeps T' < T
	data := numeric.NewMatrix(s.window.Rows, s.filled)
	col := make([]float64, s.window.Rows)
	for j := 0; j < s.filled; j++ {
		s.window.Col(col, j)
		data.SetCol(j, col)
	}
	masks := make([]signal.ValidityMask, len(s.masks))
	copy(masks, s.masks)

	s.filled = 0
	s.masks = s.masks[:0]

	clamped, err := s.clamp.Apply(data)
	if err != nil {
		s.logger.Error("Safety clamp rejected packet", utils.Err(err))
		return
	}
	if clamped.Violated {
		atomic.AddUint64(&s.violations, 1)
		s.publish(events.KindBiocompatViolated, map[string]interface{}{
			"j_bio":     clamped.Cost,
			"scale":     clamped.Scale,
			"threshold": s.clamp.Threshold(),
		})
	}

	state, err := signal.Aggregate(s.projector, signal.Packet{Data: clamped.Data, Masks: masks})
	if err != nil {
		s.logger.Error("Packet aggregation failed", utils.Err(err))
		return
	}
	if state.Effective < s.cfg.PacketWindow {
		atomic.AddUint64(&s.partialPackets, 1)
	}
	atomic.AddUint64(&s.packets, 1)

	if s.novelty != nil {
		if score, err := s.novelty.Score(state.Mean); err == nil && score > noveltyThreshold {
			atomic.AddUint64(&s.novelPackets, 1)
		}
		if atomic.LoadUint64(&s.packets)%retrainEvery == 0 {
			if err := s.novelty.Retrain(); err != nil {
				s.logger.Debug("Novelty model retrain failed", utils.Err(err))
			}
		}
	}

	traffic, _ := s.traffic.Load().(float64)
	tick, err := s.estimator.Tick(state.Mean, traffic)
	if err != nil {
		s.logger.Error("Health tick failed", utils.Err(err))
		return
	}

	if tick.BandChanged {
		s.publish(events.KindBandChange, map[string]interface{}{
			"band":   tick.Band.String(),
			"health": tick.Health,
			"obs":    tick.Obs,
		})
	}
	if tick.SustainedCritical {
		s.publish(events.KindCriticalDwell, map[string]interface{}{
			"health": tick.Health,
		})
		s.logger.Warn("Sustained critical health",
			utils.Float64("health", tick.Health),
		)
	}

	if s.diffuser != nil {
		s.diffuser.SetOwn(tick.Health)
	}

	if terminal {
		s.logger.Info("Terminal packet flushed",
			utils.Int("columns", state.Effective),
		)
	}
}

// ApplyTopology installs an adjacency update from the external
// discovery layer. A malformed update is rejected, reported, and the
// previous topology stays live.
func (s *Supervisor) ApplyTopology(ids []string, adjacency numeric.Matrix) error {
	if s.diffuser == nil {
		return utils.NewError("no diffuser attached")
	}
	if err := s.diffuser.Topology().Update(ids, adjacency); err != nil {
		s.publish(events.KindTopologyRejected, map[string]interface{}{
			"error": err.Error(),
			"nodes": len(ids),
		})
		return err
	}
	return nil
}

// tickDiffuser advances the swarm dynamic and reports partitions
func (s *Supervisor) tickDiffuser(now time.Time) {
	res := s.diffuser.TickOwn(now)
	for _, id := range res.Partitioned {
		s.publish(events.KindStaleNeighbor, map[string]interface{}{
			"neighbor": id,
		})
	}
}

func (s *Supervisor) publish(kind events.Kind, fields map[string]interface{}) {
	if s.bus != nil {
		s.bus.Publish(events.New(kind, s.cfg.NodeID, fields))
	}
}

// PacketPeriod returns the packet tick duration T/Fs
func (s *Supervisor) PacketPeriod() time.Duration {
	if s.cfg.SampleRate <= 0 {
		return 0
	}
	sec := float64(s.cfg.PacketWindow) / s.cfg.SampleRate
	return time.Duration(math.Round(sec * float64(time.Second)))
}

// Stats returns a snapshot of the supervisor counters
func (s *Supervisor) Stats() Stats {
	return Stats{
		SamplesIn:      atomic.LoadUint64(&s.samplesIn),
		SamplesDropped: atomic.LoadUint64(&s.samplesDropped),
		QueueDropped:   atomic.LoadUint64(&s.queueDropped),
		Packets:        atomic.LoadUint64(&s.packets),
		PartialPackets: atomic.LoadUint64(&s.partialPackets),
		Violations:     atomic.LoadUint64(&s.violations),
		AllInvalid:     atomic.LoadUint64(&s.allInvalid),
		NovelPackets:   atomic.LoadUint64(&s.novelPackets),
		Health:         s.estimator.Health(),
		Band:           s.estimator.Band().String(),
	}
}
