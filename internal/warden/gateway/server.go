package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/warden/metrics"
	"github.com/wardenhq/warden/internal/warden/ratelimit"
)

// ErrClientNotFound means SendTo addressed an unknown client.
var ErrClientNotFound = errors.New("gateway: client not found")

// Session is the view of a client that frame handlers get.
type Session interface {
	ID() string
	RemoteAddr() string
	Send(Frame) error
}

// Handler receives frames the gateway does not handle itself.
type Handler interface {
	HandleFrame(ctx context.Context, s Session, f Frame)
}

// Config tunes the gateway server.
type Config struct {
	// AuthToken is the shared client token. Required.
	AuthToken string
	// AuthTimeout bounds the handshake; unauthenticated connections are
	// dropped after it. Default 10s.
	AuthTimeout time.Duration
	// MessagesPerMinute caps inbound frames per client. Default 120.
	MessagesPerMinute int
	// AuthFailuresPerMinute caps failed auth attempts per remote address
	// before further attempts are rejected until the window rolls. Default 5.
	AuthFailuresPerMinute int
	// MaxClients caps concurrent sessions; excess connects close 1013.
	// Zero is unlimited.
	MaxClients int
	// SendBuffer is the per-client outbound queue. Default 64.
	SendBuffer int
	// Handler routes chat and agent frames. Required for those frame types.
	Handler Handler
	// Metrics, when non-nil, records session and frame instruments.
	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = 120
	}
	if c.AuthFailuresPerMinute <= 0 {
		c.AuthFailuresPerMinute = 5
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// tokenKey randomizes the token comparison per process so the constant-time
// compare runs over fixed-length digests.
var tokenKey = func() []byte {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		panic(err)
	}
	return k
}()

func tokensEqual(a, b string) bool {
	ha := hmac.New(sha256.New, tokenKey)
	ha.Write([]byte(a))
	hb := hmac.New(sha256.New, tokenKey)
	hb.Write([]byte(b))
	return hmac.Equal(ha.Sum(nil), hb.Sum(nil))
}

// Client is one connected session.
type Client struct {
	id     string
	remote string
	conn   *websocket.Conn
	srv    *Server
	send   chan Frame

	closeOnce sync.Once

	mu            sync.Mutex
	authenticated bool
	sendClosed    bool
	subs          map[string]bool
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string { return c.remote }

// Send queues a frame for the client. A client whose queue is full is
// considered overloaded and closed.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return errors.New("gateway: client gone")
	}
	select {
	case c.send <- f:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.srv.log.Warn("client send queue full, closing", "client", c.id)
		c.close(CloseOverload, "overloaded")
		return errors.New("gateway: send queue full")
	}
}

// Subscribed reports whether the client subscribed to topic.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

// Authenticated reports whether the handshake completed.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// Server is the WebSocket session gateway.
type Server struct {
	cfg Config
	log *slog.Logger

	upgrader websocket.Upgrader

	authFailures *ratelimit.SlidingWindow
	msgRate      *ratelimit.SlidingWindow

	mu       sync.Mutex
	clients  map[string]*Client
	draining bool
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	cfg.defaults()
	return &Server{
		cfg: cfg,
		log: slog.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the auth handshake, not
			// the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		authFailures: ratelimit.NewSlidingWindow(cfg.AuthFailuresPerMinute, time.Minute),
		msgRate:      ratelimit.NewSlidingWindow(cfg.MessagesPerMinute, time.Minute),
		clients:      make(map[string]*Client),
	}
}

// ServeHTTP upgrades the connection and runs the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	overloaded := s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	if overloaded {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseOverload, "too many sessions"), deadline)
		_ = conn.Close()
		return
	}

	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	c := &Client{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		srv:    s,
		send:   make(chan Frame, s.cfg.SendBuffer),
		subs:   make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Set(float64(n))
	}
	s.log.Info("client connected", "client", c.id, "remote", remote)

	go s.writePump(c)
	if f, err := NewFrame(TypeAuthRequired, "", nil); err == nil {
		_ = c.Send(f)
	}
	s.readPump(c)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	if !present {
		return
	}
	s.msgRate.Forget(c.id)
	c.mu.Lock()
	c.sendClosed = true
	c.mu.Unlock()
	close(c.send)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Set(float64(n))
	}
	s.log.Info("client disconnected", "client", c.id)
}

func (s *Server) readPump(c *Client) {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		s.unregister(c)
	}()

	c.conn.SetReadLimit(1 << 20)
	// Until the handshake completes, the read deadline doubles as the auth
	// timeout.
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = c.Send(ErrorFrame("", CodeValidation, "malformed frame"))
			continue
		}
		if !s.handleFrame(c, f) {
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the session
// must end.
func (s *Server) handleFrame(c *Client, f Frame) bool {
	if !c.Authenticated() {
		return s.authenticate(c, f)
	}

	if !s.msgRate.Allow(c.id) {
		_ = c.Send(ErrorFrame(f.ID, CodeRateLimit, "message rate exceeded"))
		c.close(ClosePolicyViolation, "rate limit")
		return false
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsTotal.WithLabelValues(f.Type).Inc()
	}

	switch f.Type {
	case TypePing:
		if pong, err := NewFrame(TypePong, f.ID, nil); err == nil {
			_ = c.Send(pong)
		}

	case TypeSubscribe, TypeUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || len(p.Topics) == 0 {
			_ = c.Send(ErrorFrame(f.ID, CodeValidation, "subscribe payload requires topics"))
			return true
		}
		c.mu.Lock()
		for _, topic := range p.Topics {
			if f.Type == TypeSubscribe {
				c.subs[topic] = true
			} else {
				delete(c.subs, topic)
			}
		}
		c.mu.Unlock()

	case TypeAuth:
		// Already authenticated; idempotent.
		if ok, err := NewFrame(TypeAuthSuccess, f.ID, nil); err == nil {
			_ = c.Send(ok)
		}

	case TypeChat, TypeAgentSpawn, TypeAgentTerm, TypeAgentTask:
		if s.cfg.Handler == nil {
			_ = c.Send(ErrorFrame(f.ID, CodeInternal, "no task handler configured"))
			return true
		}
		go s.cfg.Handler.HandleFrame(context.Background(), c, f)

	default:
		_ = c.Send(ErrorFrame(f.ID, CodeValidation, "unsupported frame type: "+f.Type))
	}
	return true
}

// authenticate handles the first frame of a session. Anything but a valid
// auth frame ends the session.
func (s *Server) authenticate(c *Client, f Frame) bool {
	if f.Type != TypeAuth {
		_ = c.Send(ErrorFrame(f.ID, CodeAuth, "authenticate first"))
		c.close(ClosePolicyViolation, "auth required")
		return false
	}

	if s.authFailures.Exceeded(c.remote) {
		if failed, err := NewFrame(TypeAuthFailed, f.ID, ErrorPayload{Code: CodeAuth, Message: "too many attempts"}); err == nil {
			_ = c.Send(failed)
		}
		c.close(ClosePolicyViolation, "too many auth attempts")
		return false
	}

	var p AuthPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || !tokensEqual(p.Token, s.cfg.AuthToken) {
		s.authFailures.Record(c.remote)
		if failed, err := NewFrame(TypeAuthFailed, f.ID, ErrorPayload{Code: CodeAuth, Message: "invalid token"}); err == nil {
			_ = c.Send(failed)
		}
		s.log.Warn("auth failed", "client", c.id, "remote", c.remote)
		c.close(ClosePolicyViolation, "invalid token")
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	_ = c.conn.SetReadDeadline(time.Time{})
	if ok, err := NewFrame(TypeAuthSuccess, f.ID, nil); err == nil {
		_ = c.Send(ok)
	}
	s.log.Info("client authenticated", "client", c.id)
	return true
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(f); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// Broadcast queues f to every authenticated client matching filter. A nil
// filter matches all.
func (s *Server) Broadcast(f Frame, filter func(*Client) bool) {
	for _, c := range s.snapshot() {
		if !c.Authenticated() {
			continue
		}
		if filter != nil && !filter(c) {
			continue
		}
		_ = c.Send(f)
	}
}

// BroadcastTopic queues f to clients subscribed to topic.
func (s *Server) BroadcastTopic(topic string, f Frame) {
	s.Broadcast(f, func(c *Client) bool { return c.Subscribed(topic) })
}

// SendTo queues f to one client.
func (s *Server) SendTo(clientID string, f Frame) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return ErrClientNotFound
	}
	return c.Send(f)
}

// Clients lists connected session ids.
func (s *Server) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) snapshot() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Close tears down every session immediately with close code 1001.
func (s *Server) Close() {
	for _, c := range s.snapshot() {
		c.close(CloseGoingAway, "server shutdown")
	}
}

// Drain stops accepting sessions, announces shutdown, and waits for clients
// to leave, polling every 500ms up to timeout. Stragglers are closed.
func (s *Server) Drain(timeout time.Duration) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	if f, err := NewFrame(TypeSystem, "", map[string]string{"event": "shutdown"}); err == nil {
		s.Broadcast(f, nil)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Count() == 0 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	s.log.Warn("drain timeout, closing stragglers", "clients", s.Count())
	s.Close()
}
