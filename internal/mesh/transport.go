package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
)

// Transport moves opaque gossip payloads between peers. Implementations
// must never block a caller on a slow peer beyond their own timeouts;
// gossip rounds proceed with whatever sends succeed.
type Transport interface {
	// Send delivers a payload to one peer
	Send(ctx context.Context, peerID string, payload []byte) error
	// SetHandler registers the inbound payload callback
	SetHandler(fn func(peerID string, payload []byte))
	// Close releases transport resources
	Close() error
}

// encodePayload marshals and brotli-compresses a gossip message
func encodePayload(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, WrapMeshError(ErrCodeCodecFailed, "marshal gossip payload", err)
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestSpeed)
	if _, err := w.Write(raw); err != nil {
		return nil, WrapMeshError(ErrCodeCodecFailed, "compress gossip payload", err)
	}
	if err := w.Close(); err != nil {
		return nil, WrapMeshError(ErrCodeCodecFailed, "flush gossip payload", err)
	}
	return buf.Bytes(), nil
}

// decodePayload decompresses and unmarshals a gossip message
func decodePayload(data []byte, v interface{}) error {
	r := brotli.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(r)
	if err != nil {
		return WrapMeshError(ErrCodeCodecFailed, "decompress gossip payload", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return WrapMeshError(ErrCodeCodecFailed, "unmarshal gossip payload", err)
	}
	return nil
}

// MemoryHub wires in-process transports together by peer ID, for tests
// and single-process swarm simulations.
type MemoryHub struct {
	mu    sync.RWMutex
	peers map[string]*MemoryTransport
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{peers: make(map[string]*MemoryTransport)}
}

// Attach creates a transport bound to this hub under the given peer ID
func (h *MemoryHub) Attach(peerID string) *MemoryTransport {
	t := &MemoryTransport{hub: h, self: peerID}
	h.mu.Lock()
	h.peers[peerID] = t
	h.mu.Unlock()
	return t
}

func (h *MemoryHub) deliver(from, to string, payload []byte) error {
	h.mu.RLock()
	target, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return ErrPeerUnreachable(to, nil)
	}

	target.mu.RLock()
	fn := target.handler
	target.mu.RUnlock()
	if fn != nil {
		fn(from, payload)
	}
	return nil
}

func (h *MemoryHub) detach(peerID string) {
	h.mu.Lock()
	delete(h.peers, peerID)
	h.mu.Unlock()
}

// MemoryTransport is the in-process Transport implementation
type MemoryTransport struct {
	mu      sync.RWMutex
	hub     *MemoryHub
	self    string
	handler func(peerID string, payload []byte)
}

// Send delivers the payload synchronously through the hub
func (t *MemoryTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return t.hub.deliver(t.self, peerID, payload)
}

// SetHandler registers the inbound callback
func (t *MemoryTransport) SetHandler(fn func(peerID string, payload []byte)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Close detaches the transport from its hub
func (t *MemoryTransport) Close() error {
	t.hub.detach(t.self)
	return nil
}
