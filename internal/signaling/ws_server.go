package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchpad/couchpad/internal/metrics"
	"github.com/couchpad/couchpad/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// ServerConfig wires the runtime dependencies of the relay's WebSocket
// surface.
type ServerConfig struct {
	// Relay is the durable transport behind the server. Messages from
	// connected senders are published to it; each connection's outbound
	// stream is a subscription on it, so receivers that connect late still
	// see their backlog.
	Relay Relay

	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
}

// Server terminates relay WebSocket connections for remote endpoints.
//
// Endpoint: GET /signal?device=<deviceID>. One connection per device;
// inbound messages must carry the connection's device id as senderId.
type Server struct {
	relay   Relay
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	maxMessageBytes      int64
	maxMessagesPerSecond int
	pingInterval         time.Duration
	idleTimeout          time.Duration

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg ServerConfig) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxPerSec := cfg.MaxMessagesPerSecond
	if maxPerSec <= 0 {
		maxPerSec = 50
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Server{
		relay:                cfg.Relay,
		metrics:              m,
		clock:                clock,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSec,
		pingInterval:         pingInterval,
		idleTimeout:          idleTimeout,
		conns:                make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	if s.relay == nil {
		http.Error(w, "relay not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin checks belong to the outer HTTP server; the relay carries
		// no credentials worth protecting from cross-origin callers.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:      s,
		conn:     conn,
		deviceID: deviceID,
		done:     make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}

	s.mu.Lock()
	if s.conns == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	c.Close()
}

type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	deviceID string
	limiter  *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))

		// Consume the message before enforcing the rate limit so unread
		// bytes never trigger an abortive close that masks the close code.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}
		if msg.SenderID != c.deviceID {
			c.closeWith(websocket.ClosePolicyViolation, "senderId mismatch")
			return
		}

		if err := c.srv.relay.Publish(context.Background(), msg); err != nil {
			slog.Warn("relay publish failed",
				"sender_id", msg.SenderID,
				"receiver_id", msg.ReceiverID,
				"kind", msg.Kind,
				"err", err,
			)
		}
	}
}

func (c *wsConn) writeLoop() {
	msgs, cancel := c.srv.relay.Subscribe(c.deviceID)
	defer cancel()

	ping := time.NewTicker(c.srv.pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.Close()
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ping.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.Close()
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
