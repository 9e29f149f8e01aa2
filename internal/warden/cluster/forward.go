package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/warden/gateway"
	"github.com/wardenhq/warden/internal/warden/store"
)

var (
	// ErrNodeUnknown means the target node has no registry row.
	ErrNodeUnknown = errors.New("cluster: node unknown")
	// ErrForwardTimeout means the peer never answered the forwarded frame.
	ErrForwardTimeout = errors.New("cluster: forward timed out")
)

// ForwarderConfig tunes cross-node task forwarding.
type ForwarderConfig struct {
	// NodeID is the local node; agents placed here are never forwarded.
	NodeID string
	// AuthToken authenticates against peer gateways.
	AuthToken string
	// Timeout bounds one forwarded round trip. Default 10s.
	Timeout time.Duration
	// DialTimeout bounds dial plus auth handshake. Default 5s.
	DialTimeout time.Duration
}

func (c *ForwarderConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Forwarder relays task frames to the gateway node that owns an agent. Peer
// connections are dialed lazily, authenticated, and reused; replies are
// correlated by frame id.
type Forwarder struct {
	cfg   ForwarderConfig
	store *store.Store
	log   *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan gateway.Frame
	closed  bool
}

// NewForwarder creates a forwarder backed by the node registry.
func NewForwarder(cfg ForwarderConfig, s *store.Store) *Forwarder {
	cfg.defaults()
	return &Forwarder{
		cfg:   cfg,
		store: s,
		log:   slog.With("component", "cluster", "node", cfg.NodeID),
		peers: make(map[string]*peer),
	}
}

// NodeFor resolves which node owns the agent. Agents without a store row or
// without a placement are treated as local; the supervisor then answers for
// them.
func (f *Forwarder) NodeFor(ctx context.Context, agentID string) (string, bool, error) {
	a, err := f.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrAgentNotFound) {
		return f.cfg.NodeID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	if !a.NodeID.Valid || a.NodeID.String == f.cfg.NodeID {
		return f.cfg.NodeID, true, nil
	}
	return a.NodeID.String, false, nil
}

// Forward relays the frame to nodeID and returns the correlated reply. The
// frame travels under a fresh relay id; the reply comes back carrying the
// caller's original id.
func (f *Forwarder) Forward(ctx context.Context, nodeID string, frame gateway.Frame) (gateway.Frame, error) {
	p, err := f.peer(ctx, nodeID)
	if err != nil {
		return gateway.Frame{}, err
	}

	relayID := uuid.NewString()
	ch := make(chan gateway.Frame, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.dropPeer(nodeID, p)
		return gateway.Frame{}, fmt.Errorf("cluster: peer %s connection lost", nodeID)
	}
	p.pending[relayID] = ch
	p.mu.Unlock()

	relay := frame
	relay.ID = relayID
	p.mu.Lock()
	err = p.conn.WriteJSON(relay)
	p.mu.Unlock()
	if err != nil {
		f.dropPeer(nodeID, p)
		return gateway.Frame{}, fmt.Errorf("cluster: forward to %s: %w", nodeID, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return gateway.Frame{}, fmt.Errorf("cluster: peer %s connection lost", nodeID)
		}
		reply.ID = frame.ID
		return reply, nil
	case <-time.After(f.cfg.Timeout):
		p.mu.Lock()
		delete(p.pending, relayID)
		p.mu.Unlock()
		return gateway.Frame{}, fmt.Errorf("%w: node %s", ErrForwardTimeout, nodeID)
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, relayID)
		p.mu.Unlock()
		return gateway.Frame{}, ctx.Err()
	}
}

// peer returns the live connection to nodeID, dialing and authenticating on
// first use.
func (f *Forwarder) peer(ctx context.Context, nodeID string) (*peer, error) {
	f.mu.Lock()
	if p, ok := f.peers[nodeID]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	node, err := f.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnknown, nodeID)
	}

	conn, err := f.dial(ctx, node.WSURL)
	if err != nil {
		return nil, err
	}

	p := &peer{conn: conn, pending: make(map[string]chan gateway.Frame)}
	f.mu.Lock()
	if existing, ok := f.peers[nodeID]; ok {
		f.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	f.peers[nodeID] = p
	f.mu.Unlock()

	go f.readLoop(nodeID, p)
	return p, nil
}

// dial connects to a peer gateway and completes its auth handshake.
func (f *Forwarder) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial peer %s: %w", wsURL, err)
	}

	deadline := time.Now().Add(f.cfg.DialTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var hello gateway.Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != gateway.TypeAuthRequired {
		_ = conn.Close()
		return nil, fmt.Errorf("cluster: peer %s: unexpected handshake: %v", wsURL, err)
	}
	authPayload, _ := json.Marshal(gateway.AuthPayload{Token: f.cfg.AuthToken})
	if err := conn.WriteJSON(gateway.Frame{Type: gateway.TypeAuth, ID: uuid.NewString(), Payload: authPayload}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("cluster: peer %s: send auth: %w", wsURL, err)
	}
	var authed gateway.Frame
	if err := conn.ReadJSON(&authed); err != nil || authed.Type != gateway.TypeAuthSuccess {
		_ = conn.Close()
		return nil, fmt.Errorf("cluster: peer %s: auth rejected", wsURL)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// readLoop dispatches peer replies to their waiting forwards.
func (f *Forwarder) readLoop(nodeID string, p *peer) {
	for {
		var frame gateway.Frame
		if err := p.conn.ReadJSON(&frame); err != nil {
			f.log.Warn("peer connection lost", "peer", nodeID, "err", err)
			f.dropPeer(nodeID, p)
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[frame.ID]
		if ok {
			delete(p.pending, frame.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// dropPeer tears the connection down and fails every in-flight forward.
func (f *Forwarder) dropPeer(nodeID string, p *peer) {
	f.mu.Lock()
	if f.peers[nodeID] == p {
		delete(f.peers, nodeID)
	}
	f.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = make(map[string]chan gateway.Frame)
	p.mu.Unlock()

	_ = p.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}

// Close tears down every peer connection.
func (f *Forwarder) Close() {
	f.mu.Lock()
	peers := make(map[string]*peer, len(f.peers))
	for id, p := range f.peers {
		peers[id] = p
	}
	f.mu.Unlock()
	for id, p := range peers {
		f.dropPeer(id, p)
	}
}
