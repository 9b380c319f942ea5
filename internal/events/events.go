package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the event taxonomy entry
type Kind string

const (
	KindMalformedSample   Kind = "malformed_sample"
	KindInvalidMask       Kind = "invalid_mask"
	KindNoValidChannels   Kind = "no_valid_channels"
	KindBiocompatViolated Kind = "biocompat_violation"
	KindStaleNeighbor     Kind = "stale_neighbor"
	KindTopologyRejected  Kind = "topology_rejected"
	KindBandChange        Kind = "band_change"
	KindCriticalDwell     Kind = "critical_dwell"
)

// Event is a single reportable occurrence. None of these are fatal;
// the external continuity layer decides escalation.
type Event struct {
	ID        string
	Kind      Kind
	NodeID    string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// New builds an event with a fresh ID and current timestamp
func New(kind Kind, nodeID string, fields map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

// Bus fans events out to subscribers with bounded queues. Publish
// never blocks; a full subscriber queue increments the drop counter
// instead of stalling the sample path.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	queue   int
	dropped uint64
}

// NewBus creates a bus with the given per-subscriber queue size
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:  make(map[string]chan Event),
		queue: queueSize,
	}
}

// Subscribe registers a subscriber and returns its channel and an
// unsubscribe function
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.queue)
	b.subs[name] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[name]; ok && cur == ch {
			delete(b.subs, name)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Dropped returns the count of events discarded on full queues
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
