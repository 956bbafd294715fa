// Package transport adapts the security layer to a concrete coder/websocket
// server. The Manager runs Guard decisions on every upgrade and every
// inbound message, and guarantees per-connection cleanup on all exit paths.
//
// The hub pattern keeps connection lifecycle events on one goroutine:
// registrations, unregistrations, and broadcasts flow through buffered
// channels, and shutdown is coordinated through context cancellation.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pinglearn/wsguard"
	"github.com/pinglearn/wsguard/internal/logging"
	"github.com/pinglearn/wsguard/message"
)

// Handler receives every accepted, sanitized message.
type Handler func(conn *wsguard.Connection, msg message.Message)

// Config holds transport settings.
type Config struct {
	// UpgradesPerSecond and UpgradeBurst bound upgrade attempts per client
	// IP, ahead of any Guard processing.
	UpgradesPerSecond float64
	UpgradeBurst      int
	// ReadTimeout bounds one read; an idle connection is closed when it
	// expires.
	ReadTimeout time.Duration
	// WriteTimeout bounds one write or ping.
	WriteTimeout time.Duration
	// PingInterval is the server-initiated heartbeat period.
	PingInterval time.Duration
	// SendBuffer is the per-client outbound queue size.
	SendBuffer int
}

// DefaultConfig returns the default transport settings.
func DefaultConfig() Config {
	return Config{
		UpgradesPerSecond: 5,
		UpgradeBurst:      10,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      54 * time.Second,
		SendBuffer:        256,
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	info *wsguard.Connection

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue queues data for the write pump. Returns false when the queue is
// full or the client is already closed.
func (c *client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send queue exactly once and closes the websocket so the
// read pump unblocks. The queue is only ever closed here, under sendMu, so
// enqueue can never write to a closed channel.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
	}
}

// Manager owns the WebSocket connections and routes every security
// decision through the Guard.
type Manager struct {
	guard   *wsguard.Guard
	handler Handler
	cfg     Config
	log     logging.Logger

	clientsMu sync.RWMutex
	clients   map[string]*client

	register   chan *client
	unregister chan string
	broadcast  chan []byte

	upgradeMu sync.Mutex
	upgrades  map[string]*rate.Limiter

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// NewManager creates a transport manager and starts its hub goroutine. The
// guard is required; the handler may be nil to drop accepted messages.
func NewManager(guard *wsguard.Guard, handler Handler, cfg Config, logger logging.Logger) *Manager {
	if guard == nil {
		panic("transport: guard is required")
	}
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.UpgradeBurst <= 0 {
		cfg.UpgradeBurst = def.UpgradeBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		guard:      guard,
		handler:    handler,
		cfg:        cfg,
		log:        logging.OrNop(logger).WithComponent("transport"),
		clients:    make(map[string]*client),
		register:   make(chan *client, 32),
		unregister: make(chan string, 32),
		broadcast:  make(chan []byte, 256),
		upgrades:   make(map[string]*rate.Limiter),
		ctx:        ctx,
		cancel:     cancel,
	}

	go m.runHub()
	return m
}

// HandleWebSocket upgrades an HTTP request to a WebSocket connection after
// the Guard authorizes it, then runs the client lifecycle.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !m.allowUpgrade(ip) {
		m.log.Warn(r.Context(), nil, "upgrade rate limit exceeded", "ip", ip)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	req := wsguard.UpgradeRequest{
		ConnectionID: uuid.NewString(),
		Origin:       r.Header.Get("Origin"),
		RemoteAddr:   ip,
		UserAgent:    r.UserAgent(),
		Protocol:     r.Header.Get("Sec-WebSocket-Protocol"),
	}

	dec := m.guard.AuthorizeUpgrade(req)
	if !dec.Allowed {
		m.log.Warn(r.Context(), nil, "upgrade refused",
			"ip", ip,
			"reason", dec.Reason,
		)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The Guard already validated the origin against its allow-list.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.log.Warn(r.Context(), err, "websocket upgrade failed", "ip", ip)
		return
	}

	info := m.guard.Connect(req)
	c := &client{
		id:   req.ConnectionID,
		conn: conn,
		info: info,
		send: make(chan []byte, m.cfg.SendBuffer),
	}

	select {
	case m.register <- c:
	case <-m.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "server shutting down")
		m.guard.Disconnect(c.id)
		return
	}

	go m.runClient(c)
}

// runClient drives one connection. Disconnect runs on every exit path so
// auth state can never outlive its connection.
func (m *Manager) runClient(c *client) {
	defer func() {
		m.guard.Disconnect(c.id)
		select {
		case m.unregister <- c.id:
		case <-m.ctx.Done():
		}
	}()

	go m.writePump(c)
	m.readPump(c)
}

func (m *Manager) readPump(c *client) {
	defer func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ReadTimeout)
		_, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				m.log.Debug(m.ctx, "read ended", "connection_id", c.id, "reason", err.Error())
			}
			return
		}

		dec := m.guard.AuthorizeMessage(c.id, data, len(data))
		if !dec.Accepted {
			// Validation, auth, and rate rejections are recoverable: drop
			// the message, keep the connection.
			m.log.Debug(m.ctx, "message rejected",
				"connection_id", c.id,
				"reject", string(dec.Reject),
				"detail", dec.Detail,
			)
			continue
		}

		if _, ok := dec.Message.(message.Ping); ok {
			m.sendTo(c, pongFrame())
			continue
		}
		if m.handler != nil {
			m.handler(c.info, dec.Message)
		}
	}
}

func (m *Manager) writePump(c *client) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	defer func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				m.log.Debug(m.ctx, "write failed", "connection_id", c.id, "reason", err.Error())
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-m.ctx.Done():
			return
		}
	}
}

func pongFrame() []byte {
	data, _ := json.Marshal(map[string]interface{}{"type": string(message.TypePong), "data": map[string]interface{}{}})
	return data
}

// runHub manages client registration, unregistration, and broadcasting.
func (m *Manager) runHub() {
	for {
		select {
		case c := <-m.register:
			m.clientsMu.Lock()
			m.clients[c.id] = c
			total := len(m.clients)
			m.clientsMu.Unlock()
			m.log.Info(m.ctx, "client connected", "connection_id", c.id, "total", total)

		case id := <-m.unregister:
			m.clientsMu.Lock()
			c, ok := m.clients[id]
			if ok {
				delete(m.clients, id)
			}
			total := len(m.clients)
			m.clientsMu.Unlock()
			if ok {
				c.close(websocket.StatusNormalClosure, "")
				m.log.Info(m.ctx, "client disconnected", "connection_id", id, "total", total)
			}

		case data := <-m.broadcast:
			m.clientsMu.RLock()
			targets := make([]*client, 0, len(m.clients))
			for _, c := range m.clients {
				targets = append(targets, c)
			}
			m.clientsMu.RUnlock()
			for _, c := range targets {
				m.sendTo(c, data)
			}

		case <-m.ctx.Done():
			return
		}
	}
}

// sendTo queues data without blocking; a client with a full queue is
// disconnected rather than allowed to stall the hub. Sends after the client
// is closed are dropped.
func (m *Manager) sendTo(c *client, data []byte) {
	if c.enqueue(data) {
		return
	}
	select {
	case m.unregister <- c.id:
	case <-m.ctx.Done():
	}
}

// Broadcast marshals a message envelope and queues it to every client.
func (m *Manager) Broadcast(msgType message.Type, data map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"type": string(msgType), "data": data})
	if err != nil {
		m.log.Error(m.ctx, err, "broadcast marshal failed")
		return
	}
	select {
	case m.broadcast <- payload:
	case <-m.ctx.Done():
	default:
		m.log.Warn(m.ctx, nil, "broadcast channel full, dropping message")
	}
}

// Clients returns the number of connected clients.
func (m *Manager) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Shutdown closes every connection and stops the hub. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.isShutdown.Store(true)
		m.cancel()

		m.clientsMu.Lock()
		clients := m.clients
		m.clients = make(map[string]*client)
		m.clientsMu.Unlock()

		for id, c := range clients {
			c.close(websocket.StatusNormalClosure, "server shutdown")
			m.guard.Disconnect(id)
		}

		m.log.Info(ctx, "transport shut down")
	})
	return nil
}

// allowUpgrade rate-limits upgrade attempts per client IP.
func (m *Manager) allowUpgrade(ip string) bool {
	if m.cfg.UpgradesPerSecond <= 0 {
		return true
	}
	m.upgradeMu.Lock()
	lim, ok := m.upgrades[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.cfg.UpgradesPerSecond), m.cfg.UpgradeBurst)
		m.upgrades[ip] = lim
	}
	m.upgradeMu.Unlock()
	return lim.Allow()
}

// clientIP extracts the client IP, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}
