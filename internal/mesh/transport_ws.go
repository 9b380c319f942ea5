package mesh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biomesh-io/biomesh/internal/utils"
)

// peerHeader carries the sender's node ID during the websocket
// handshake so inbound payloads can be attributed.
const peerHeader = "X-Biomesh-Node"

// WSTransportConfig configures the WebSocket gossip transport.
type WSTransportConfig struct {
	// ListenAddr is the local address for inbound peer connections;
	// empty disables the listener (outbound-only node).
	ListenAddr string
	// Peers maps peer node IDs to their websocket URLs
	Peers map[string]string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// DefaultWSTransportConfig returns production defaults
func DefaultWSTransportConfig() WSTransportConfig {
	return WSTransportConfig{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     3 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(deadline time.Time, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// WSTransport exchanges gossip payloads over WebSocket connections,
// dialing peers lazily and accepting inbound connections when a listen
// address is configured.
type WSTransport struct {
	cfg    WSTransportConfig
	self   string
	logger *utils.Logger

	mu      sync.RWMutex
	conns   map[string]*wsConn
	handler func(peerID string, payload []byte)

	server   *http.Server
	upgrader websocket.Upgrader
	shutdown chan struct{}
	closed   bool
}

// NewWSTransport creates the transport and starts the listener if
// configured.
func NewWSTransport(cfg WSTransportConfig, selfID string, logger *utils.Logger) (*WSTransport, error) {
	if logger == nil {
		logger = utils.DefaultLogger("ws-transport")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	t := &WSTransport{
		cfg:    cfg,
		self:   selfID,
		logger: logger,
		conns:  make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	if cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/gossip", t.handleInbound)
		t.server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.logger.Error("Gossip listener failed", utils.Err(err))
			}
		}()
	}

	return t, nil
}

// handleInbound upgrades an inbound peer connection
func (t *WSTransport) handleInbound(w http.ResponseWriter, r *http.Request) {
	peerID := r.Header.Get(peerHeader)
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("Inbound upgrade failed", utils.String("peer", peerID), utils.Err(err))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	wc := &wsConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = wc
	t.mu.Unlock()

	go t.receiveLoop(peerID, wc)
}

// dial establishes an outbound connection to a known peer
func (t *WSTransport) dial(ctx context.Context, peerID string) (*wsConn, error) {
	url, ok := t.cfg.Peers[peerID]
	if !ok {
		return nil, ErrPeerUnreachable(peerID, nil)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set(peerHeader, t.self)

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, ErrPeerUnreachable(peerID, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	wc := &wsConn{conn: conn}
	t.mu.Lock()
	t.conns[peerID] = wc
	t.mu.Unlock()

	go t.receiveLoop(peerID, wc)
	return wc, nil
}

// receiveLoop forwards inbound payloads until the connection dies
func (t *WSTransport) receiveLoop(peerID string, wc *wsConn) {
	for {
		_, payload, err := wc.conn.ReadMessage()
		if err != nil {
			t.dropConn(peerID, wc)
			return
		}

		t.mu.RLock()
		fn := t.handler
		t.mu.RUnlock()
		if fn != nil {
			fn(peerID, payload)
		}

		select {
		case <-t.shutdown:
			return
		default:
		}
	}
}

func (t *WSTransport) dropConn(peerID string, wc *wsConn) {
	t.mu.Lock()
	if cur, ok := t.conns[peerID]; ok && cur == wc {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	wc.conn.Close()
}

// Send delivers a payload to one peer, dialing on demand
func (t *WSTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.mu.RLock()
	wc, ok := t.conns[peerID]
	t.mu.RUnlock()

	if !ok {
		var err error
		wc, err = t.dial(ctx, peerID)
		if err != nil {
			return err
		}
	}

	if err := wc.write(time.Now().Add(t.cfg.WriteTimeout), payload); err != nil {
		t.dropConn(peerID, wc)
		return ErrPeerUnreachable(peerID, err)
	}
	return nil
}

// SetHandler registers the inbound payload callback
func (t *WSTransport) SetHandler(fn func(peerID string, payload []byte)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Close stops the listener and drops every connection
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.shutdown)
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()

	for _, wc := range conns {
		wc.conn.Close()
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
