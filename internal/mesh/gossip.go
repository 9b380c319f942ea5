package mesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/biomesh-io/biomesh/internal/health"
	"github.com/biomesh-io/biomesh/internal/utils"
)

// GossipConfig holds health gossip configuration
type GossipConfig struct {
	Fanout         int           `json:"fanout" yaml:"fanout"`
	RoundInterval  time.Duration `json:"round_interval" yaml:"round_interval"`
	MessageTTL     time.Duration `json:"message_ttl" yaml:"message_ttl"`
	MaxHops        int           `json:"max_hops" yaml:"max_hops"`
	MaxMessageSize int           `json:"max_message_size" yaml:"max_message_size"`
	Seed           int64         `json:"seed" yaml:"seed"`

	RateLimit struct {
		MessagesPerSecond int64 `json:"messages_per_second" yaml:"messages_per_second"`
		BurstSize         int64 `json:"burst_size" yaml:"burst_size"`
	} `json:"rate_limit" yaml:"rate_limit"`

	BloomFilter struct {
		ExpectedElements  uint    `json:"expected_elements" yaml:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate" yaml:"false_positive_rate"`
	} `json:"bloom_filter" yaml:"bloom_filter"`

	Breaker struct {
		FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
		ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	} `json:"breaker" yaml:"breaker"`
}

// DefaultGossipConfig returns production-ready defaults
func DefaultGossipConfig() GossipConfig {
	config := GossipConfig{
		Fanout:         3,
		RoundInterval:  1 * time.Second,
		MessageTTL:     5 * time.Minute,
		MaxHops:        10,
		MaxMessageSize: 64 * 1024,
		Seed:           1,
	}

	config.RateLimit.MessagesPerSecond = 100
	config.RateLimit.BurstSize = 200

	config.BloomFilter.ExpectedElements = 100000
	config.BloomFilter.FalsePositiveRate = 0.01

	config.Breaker.FailureThreshold = 5
	config.Breaker.ResetTimeout = 30 * time.Second

	return config
}

// HealthUpdate is the gossiped per-node health report. Each node
// publishes only its own entry; relays carry other nodes' latest
// reports across the mesh.
type HealthUpdate struct {
	NodeID string  `json:"node_id"`
	Health float64 `json:"health"`
	Band   string  `json:"band"`
	Seq    uint64  `json:"seq"`
	SentAt int64   `json:"sent_at"` // unix nanoseconds at origin
	Hops   int     `json:"hops"`
}

// GossipMetrics counts gossip activity since start
type GossipMetrics struct {
	Published   uint64
	Relayed     uint64
	Received    uint64
	Deduped     uint64
	RateLimited uint64
	SendErrors  uint64
	StartTime   time.Time
}

// HealthGossip publishes this node's health every round and ingests
// neighbor reports into the diffuser. Dedup uses a bloom filter with a
// TTL'd exact map behind it; inbound traffic is token-bucket limited
// per peer and outbound sends run through a per-peer circuit breaker.
type HealthGossip struct {
	nodeID    string
	cfg       GossipConfig
	transport Transport
	diffuser  *Diffuser
	topo      *Topology

	seenFilter *bloom.BloomFilter
	seenTimes  map[string]time.Time
	seenMu     sync.Mutex

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex

	rng   *rand.Rand
	rngMu sync.Mutex

	seq      uint64
	metrics  GossipMetrics
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   *utils.Logger
}

// NewHealthGossip wires the gossip manager to a transport, topology
// and diffuser.
func NewHealthGossip(cfg GossipConfig, nodeID string, transport Transport, topo *Topology, diffuser *Diffuser, logger *utils.Logger) (*HealthGossip, error) {
	if transport == nil || topo == nil || diffuser == nil {
		return nil, fmt.Errorf("mesh: gossip requires transport, topology and diffuser")
	}
	if cfg.Fanout < 1 {
		return nil, fmt.Errorf("mesh: gossip fanout must be at least 1")
	}
	if logger == nil {
		logger = utils.DefaultLogger("gossip")
	}

	g := &HealthGossip{
		nodeID:    nodeID,
		cfg:       cfg,
		transport: transport,
		diffuser:  diffuser,
		topo:      topo,
		seenFilter: bloom.NewWithEstimates(
			cfg.BloomFilter.ExpectedElements,
			cfg.BloomFilter.FalsePositiveRate,
		),
		seenTimes: make(map[string]time.Time),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		shutdown:  make(chan struct{}),
		logger:    logger,
	}

	g.limiterStore = store.NewMemoryStore(time.Minute)
	var err error
	g.limiter, err = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RateLimit.MessagesPerSecond,
			Duration: time.Second,
			Burst:    cfg.RateLimit.BurstSize,
		},
		g.limiterStore,
	)
	if err != nil {
		return nil, WrapMeshError(ErrCodeGossipFailed, "init rate limiter", err)
	}

	g.metrics.StartTime = time.Now()
	transport.SetHandler(g.handleInbound)
	return g, nil
}

// Start launches the gossip round and cleanup loops
func (g *HealthGossip) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return NewMeshError(ErrCodeGossipFailed, "gossip already running")
	}

	g.wg.Add(2)
	go g.roundLoop(ctx)
	go g.cleanupLoop(ctx)

	g.logger.Info("Health gossip started",
		utils.Duration("round_interval", g.cfg.RoundInterval),
		utils.Int("fanout", g.cfg.Fanout),
	)
	return nil
}

// Stop terminates the loops and closes the transport
func (g *HealthGossip) Stop() error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	close(g.shutdown)
	g.wg.Wait()
	return g.transport.Close()
}

func (g *HealthGossip) roundLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.shutdown:
			return
		case <-ticker.C:
			g.publishOwn(ctx)
		}
	}
}

func (g *HealthGossip) cleanupLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.MessageTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.shutdown:
			return
		case <-ticker.C:
			g.expireSeen()
		}
	}
}

// publishOwn gossips this node's current health entry
func (g *HealthGossip) publishOwn(ctx context.Context) {
	own := g.diffuser.Own()
	update := HealthUpdate{
		NodeID: g.nodeID,
		Health: own,
		Band:   health.Classify(own).String(),
		Seq:    atomic.AddUint64(&g.seq, 1),
		SentAt: time.Now().UnixNano(),
	}
	g.markSeen(messageID(update))

	if err := g.fanOut(ctx, update, ""); err != nil {
		g.logger.Debug("Gossip round incomplete", utils.Err(err))
	}
	atomic.AddUint64(&g.metrics.Published, 1)
}

// fanOut sends an update to up to Fanout random live peers, skipping
// the origin peer and ourselves.
func (g *HealthGossip) fanOut(ctx context.Context, update HealthUpdate, skip string) error {
	payload, err := encodePayload(update)
	if err != nil {
		return err
	}
	if g.cfg.MaxMessageSize > 0 && len(payload) > g.cfg.MaxMessageSize {
		return NewMeshError(ErrCodeMessageTooBig, "gossip payload exceeds limit").
			WithContext("size", len(payload))
	}

	peers := g.selectPeers(update.NodeID, skip)
	var firstErr error
	for _, peerID := range peers {
		if err := g.sendWithBreaker(ctx, peerID, payload); err != nil {
			atomic.AddUint64(&g.metrics.SendErrors, 1)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// selectPeers picks up to Fanout random active peers
func (g *HealthGossip) selectPeers(origin, skip string) []string {
	var candidates []string
	for _, id := range g.topo.Active() {
		if id == g.nodeID || id == origin || id == skip {
			continue
		}
		candidates = append(candidates, id)
	}

	g.rngMu.Lock()
	g.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	g.rngMu.Unlock()

	if len(candidates) > g.cfg.Fanout {
		candidates = candidates[:g.cfg.Fanout]
	}
	return candidates
}

// sendWithBreaker routes the send through the peer's circuit breaker
func (g *HealthGossip) sendWithBreaker(ctx context.Context, peerID string, payload []byte) error {
	cb := g.breakerFor(peerID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, g.transport.Send(ctx, peerID, payload)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen(peerID)
	}
	return err
}

func (g *HealthGossip) breakerFor(peerID string) *gobreaker.CircuitBreaker {
	g.breakersMu.Lock()
	defer g.breakersMu.Unlock()

	if cb, ok := g.breakers[peerID]; ok {
		return cb
	}
	threshold := g.cfg.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gossip:" + peerID,
		Timeout: g.cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	g.breakers[peerID] = cb
	return cb
}

// handleInbound ingests a gossiped update and relays it onward
func (g *HealthGossip) handleInbound(peerID string, payload []byte) {
	if !g.limiter.Allow(peerID) {
		atomic.AddUint64(&g.metrics.RateLimited, 1)
		return
	}

	var update HealthUpdate
	if err := decodePayload(payload, &update); err != nil {
		g.logger.Warn("Dropping undecodable gossip payload",
			utils.String("peer", peerID),
			utils.Err(err),
		)
		return
	}
	if update.NodeID == g.nodeID {
		return
	}

	id := messageID(update)
	if g.haveSeen(id) {
		atomic.AddUint64(&g.metrics.Deduped, 1)
		return
	}
	g.markSeen(id)
	atomic.AddUint64(&g.metrics.Received, 1)

	g.diffuser.Ingest(update.NodeID, update.Health, time.Unix(0, update.SentAt))

	// Epidemic relay until the hop budget runs out
	if update.Hops < g.cfg.MaxHops {
		update.Hops++
		if err := g.fanOut(context.Background(), update, peerID); err == nil {
			atomic.AddUint64(&g.metrics.Relayed, 1)
		}
	}
}

func (g *HealthGossip) haveSeen(id string) bool {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	if !g.seenFilter.Test([]byte(id)) {
		return false
	}
	// Bloom says maybe; confirm against the exact map
	_, ok := g.seenTimes[id]
	return ok
}

func (g *HealthGossip) markSeen(id string) {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()
	g.seenFilter.Add([]byte(id))
	g.seenTimes[id] = time.Now()
}

// expireSeen drops entries past the TTL and rebuilds the bloom filter
// from the survivors
func (g *HealthGossip) expireSeen() {
	g.seenMu.Lock()
	defer g.seenMu.Unlock()

	cutoff := time.Now().Add(-g.cfg.MessageTTL)
	for id, at := range g.seenTimes {
		if at.Before(cutoff) {
			delete(g.seenTimes, id)
		}
	}

	g.seenFilter = bloom.NewWithEstimates(
		g.cfg.BloomFilter.ExpectedElements,
		g.cfg.BloomFilter.FalsePositiveRate,
	)
	for id := range g.seenTimes {
		g.seenFilter.Add([]byte(id))
	}
}

// Metrics returns a snapshot of gossip counters
func (g *HealthGossip) Metrics() GossipMetrics {
	return GossipMetrics{
		Published:   atomic.LoadUint64(&g.metrics.Published),
		Relayed:     atomic.LoadUint64(&g.metrics.Relayed),
		Received:    atomic.LoadUint64(&g.metrics.Received),
		Deduped:     atomic.LoadUint64(&g.metrics.Deduped),
		RateLimited: atomic.LoadUint64(&g.metrics.RateLimited),
		SendErrors:  atomic.LoadUint64(&g.metrics.SendErrors),
		StartTime:   g.metrics.StartTime,
	}
}

// messageID derives a stable unique ID for a health update
func messageID(u HealthUpdate) string {
	h := sha256.New()
	h.Write([]byte(u.NodeID))
	h.Write([]byte(fmt.Sprintf("%d:%d", u.Seq, u.SentAt)))
	return hex.EncodeToString(h.Sum(nil))
}
