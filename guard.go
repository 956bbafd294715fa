package wsguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pinglearn/wsguard/audit"
	"github.com/pinglearn/wsguard/auth"
	"github.com/pinglearn/wsguard/config"
	"github.com/pinglearn/wsguard/fingerprint"
	"github.com/pinglearn/wsguard/internal/logging"
	"github.com/pinglearn/wsguard/message"
	"github.com/pinglearn/wsguard/origin"
	"github.com/pinglearn/wsguard/ratelimit"
	"github.com/pinglearn/wsguard/sanitize"
)

// Connection is the per-session record owned by the Guard. It is created by
// Connect and purged by Disconnect.
type Connection struct {
	ID           string
	RemoteAddr   string
	UserAgent    string
	Protocol     string
	Fingerprint  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// UpgradeRequest describes an HTTP upgrade attempt.
type UpgradeRequest struct {
	ConnectionID string
	Origin       string
	RemoteAddr   string
	UserAgent    string
	Protocol     string
}

// UpgradeDecision is the outcome of AuthorizeUpgrade.
type UpgradeDecision struct {
	Allowed     bool
	Reason      string
	Fingerprint string
}

// RejectReason classifies why AuthorizeMessage refused a message.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectTooLarge        RejectReason = "message_too_large"
	RejectInvalidMessage  RejectReason = "invalid_message"
	RejectUnknownConn     RejectReason = "unknown_connection"
	RejectUnauthenticated RejectReason = "unauthenticated"
	RejectAuthFailed      RejectReason = "auth_failed"
	RejectTokenExpired    RejectReason = "token_expired"
	RejectRateLimited     RejectReason = "rate_limited"
	RejectRateBlocked     RejectReason = "rate_blocked"
	RejectPayloadTooDeep  RejectReason = "payload_too_deep"
)

// MessageDecision is the outcome of AuthorizeMessage. It is a tagged
// result: Accepted carries the sanitized typed message, a rejection carries
// the reason. Declared failure modes never surface as errors or panics.
type MessageDecision struct {
	Accepted bool
	// Message is the validated, sanitized message when Accepted.
	Message message.Message
	// Sanitized is true when the sanitizer modified the payload.
	Sanitized bool
	Reject    RejectReason
	Detail    string
}

func accept(m message.Message, sanitized bool) MessageDecision {
	return MessageDecision{Accepted: true, Message: m, Sanitized: sanitized}
}

func reject(r RejectReason, detail string) MessageDecision {
	return MessageDecision{Reject: r, Detail: detail}
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger injects a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// WithClock overrides the clock used by the Guard and every component it
// owns. Test hook.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard is the security facade. It owns all shared state: connections,
// auth state, rate buckets, fingerprint windows, and the event log.
type Guard struct {
	cfg config.Config
	log logging.Logger
	now func() time.Time

	origins   *origin.Validator
	prints    *fingerprint.Tracker
	auth      *auth.Manager
	limiter   *ratelimit.Limiter
	sanitizer *sanitize.Sanitizer
	events    *audit.Log

	mu    sync.RWMutex
	conns map[string]*Connection

	blockedAgents []string

	janitorStop chan struct{}
	closeOnce   sync.Once
}

// New creates a Guard from configuration. A nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) (*Guard, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		cfg:   *cfg,
		log:   logging.Nop(),
		now:   time.Now,
		conns: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logging.OrNop(g.log).WithComponent("wsguard")

	g.origins = origin.NewValidator(origin.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowLoopback:  cfg.AllowLoopback,
		Strict:         cfg.StrictOrigin,
	}, g.log)

	g.prints = fingerprint.NewTracker(fingerprint.Config{
		BurstThreshold: cfg.FingerprintThreshold,
		BurstWindow:    cfg.FingerprintWindow,
		Retention:      cfg.BucketRetention,
	})
	g.prints.SetClock(g.now)

	g.auth = auth.NewManager(auth.Config{
		Secret:   []byte(cfg.AuthSecret),
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		Leeway:   cfg.AuthLeeway,
	}, g.log)
	g.auth.SetClock(g.now)

	g.limiter = ratelimit.New(ratelimit.Config{
		Limits:             rateLimitsFromConfig(cfg.RateLimits),
		Default:            ratelimit.Limit{Burst: 5, PerSecond: 2},
		ViolationThreshold: cfg.ViolationThreshold,
		BlockDuration:      cfg.BlockDuration,
		Retention:          cfg.BucketRetention,
	})
	g.limiter.SetClock(g.now)

	g.sanitizer = sanitize.New(cfg.MaxPayloadDepth)
	g.events = audit.NewLog(cfg.EventLogCapacity, g.log)
	g.events.SetClock(g.now)
	g.blockedAgents = append([]string(nil), cfg.BlockedUserAgents...)

	g.janitorStop = make(chan struct{})
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go g.janitor(interval)

	return g, nil
}

func rateLimitsFromConfig(limits map[string]config.RateLimit) map[message.Type]ratelimit.Limit {
	out := make(map[message.Type]ratelimit.Limit, len(limits))
	for name, rl := range limits {
		out[message.Type(name)] = ratelimit.Limit{Burst: rl.Burst, PerSecond: rl.PerSecond}
	}
	return out
}

// janitor periodically removes stale rate buckets and fingerprint windows.
// Deletions never race destructively with admission checks because both
// structures recreate entries lazily.
func (g *Guard) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.limiter.Sweep()
			g.prints.Sweep()
		case <-g.janitorStop:
			return
		}
	}
}

// Close stops the background janitor. Idempotent.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.janitorStop)
	})
}

// Events exposes the security event log for queries and subscriptions.
func (g *Guard) Events() *audit.Log {
	return g.events
}

// ApplyConfig hot-applies the mutable configuration pieces: the origin
// allow-list and the per-type rate limits. Everything else requires a new
// Guard.
func (g *Guard) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	g.origins.SetAllowedOrigins(cfg.AllowedOrigins)
	g.limiter.SetLimits(rateLimitsFromConfig(cfg.RateLimits))
	g.log.Info(context.Background(), "configuration reloaded",
		"allowed_origins", len(cfg.AllowedOrigins),
		"rate_limits", len(cfg.RateLimits),
	)
}

// AuthorizeUpgrade decides whether an HTTP upgrade may proceed. It runs the
// origin validator and the connection fingerprinter and never touches
// authentication state. A denial means the upgrade is refused outright; no
// partial connection is ever established.
func (g *Guard) AuthorizeUpgrade(req UpgradeRequest) UpgradeDecision {
	if ua := req.UserAgent; ua != "" && g.agentBlocked(ua) {
		g.events.Record(audit.Event{
			Kind:         audit.KindSuspiciousActivity,
			Severity:     audit.SeverityHigh,
			ConnectionID: req.ConnectionID,
			Detail:       "blocked user agent on upgrade: " + logging.SanitizeForLog(ua),
		})
		return UpgradeDecision{Allowed: false, Reason: "user agent blocked"}
	}

	dec := g.origins.Check(req.Origin)
	if !dec.Allowed {
		g.events.Record(audit.Event{
			Kind:         audit.KindInvalidOrigin,
			Severity:     audit.SeverityHigh,
			ConnectionID: req.ConnectionID,
			Detail:       fmt.Sprintf("origin %q rejected: %s", req.Origin, dec.Reason),
		})
		return UpgradeDecision{Allowed: false, Reason: dec.Reason}
	}

	fp := fingerprint.New(req.RemoteAddr, req.UserAgent, req.Protocol)
	if count, burst := g.prints.Track(fp); burst {
		// Advisory only: burst detection logs, the transport decides policy.
		g.events.Record(audit.Event{
			Kind:         audit.KindSuspiciousActivity,
			Severity:     audit.SeverityCritical,
			ConnectionID: req.ConnectionID,
			Detail:       fmt.Sprintf("connection burst: %d connections in window for fingerprint %s", count, fp[:12]),
		})
	}

	return UpgradeDecision{Allowed: true, Reason: dec.Reason, Fingerprint: fp}
}

func (g *Guard) agentBlocked(ua string) bool {
	lower := strings.ToLower(ua)
	for _, blocked := range g.blockedAgents {
		if blocked != "" && strings.Contains(lower, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

// Connect registers a Connection after the transport has completed the
// upgrade. The Guard owns the record until Disconnect.
func (g *Guard) Connect(req UpgradeRequest) *Connection {
	now := g.now()
	conn := &Connection{
		ID:           req.ConnectionID,
		RemoteAddr:   req.RemoteAddr,
		UserAgent:    req.UserAgent,
		Protocol:     req.Protocol,
		Fingerprint:  fingerprint.New(req.RemoteAddr, req.UserAgent, req.Protocol),
		CreatedAt:    now,
		LastActivity: now,
	}
	g.mu.Lock()
	g.conns[req.ConnectionID] = conn
	g.mu.Unlock()
	return conn
}

// Disconnect purges all per-connection state. Transports must call it on
// every exit path: normal close, error, and timeout.
func (g *Guard) Disconnect(connectionID string) {
	g.auth.Cleanup(connectionID)
	g.mu.Lock()
	delete(g.conns, connectionID)
	g.mu.Unlock()
}

// Connection returns the live record for a connection ID.
func (g *Guard) Connection(connectionID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[connectionID]
	return conn, ok
}

// Connections returns the number of live connections.
func (g *Guard) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// AuthorizeMessage decides whether an inbound message is acceptable.
//
// Checks run cheapest first and the first failure short-circuits: byte-size
// cap, schema validation, authentication (auth messages authenticate,
// everything else requires live AuthState), rate limiting, sanitization.
// Every rejection appends one security event. declaredSize <= 0 falls back
// to len(raw).
func (g *Guard) AuthorizeMessage(connectionID string, raw []byte, declaredSize int) MessageDecision {
	g.mu.Lock()
	conn, known := g.conns[connectionID]
	if known {
		conn.LastActivity = g.now()
	}
	g.mu.Unlock()

	if !known {
		// Fail closed: no state to decide on.
		g.events.Record(audit.Event{
			Kind:         audit.KindAuthFailure,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			Detail:       "message for unknown connection",
		})
		return reject(RejectUnknownConn, "connection is not registered")
	}

	size := declaredSize
	if size <= 0 || len(raw) > size {
		size = len(raw)
	}
	if size > g.cfg.MaxMessageBytes {
		g.events.Record(audit.Event{
			Kind:         audit.KindMessageTooLarge,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			Detail:       fmt.Sprintf("message of %d bytes exceeds %d byte cap", size, g.cfg.MaxMessageBytes),
		})
		return reject(RejectTooLarge, fmt.Sprintf("message exceeds %d byte cap", g.cfg.MaxMessageBytes))
	}

	env, err := message.Decode(raw)
	var msg message.Message
	if err == nil {
		msg, err = message.Validate(env)
	}
	if err != nil {
		g.events.Record(audit.Event{
			Kind:         audit.KindInvalidMessage,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			UserID:       g.userID(connectionID),
			Detail:       err.Error(),
		})
		return reject(RejectInvalidMessage, err.Error())
	}

	if authMsg, ok := msg.(message.Auth); ok {
		return g.handleAuth(connectionID, env, authMsg)
	}

	// Fail closed: no AuthState, no traffic.
	state, authed := g.auth.State(connectionID)
	if !authed {
		g.events.Record(audit.Event{
			Kind:         audit.KindAuthFailure,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			Detail:       fmt.Sprintf("%s message on unauthenticated connection", msg.Kind()),
		})
		return reject(RejectUnauthenticated, "connection is not authenticated")
	}

	if dec, ok := g.checkRate(connectionID, state.UserID, msg.Kind()); !ok {
		return dec
	}

	return g.sanitizeAndAccept(connectionID, state.UserID, env, msg)
}

// handleAuth processes an auth message: rate-limited by connection ID
// (there is no user yet), sanitized, then authenticated.
func (g *Guard) handleAuth(connectionID string, env message.Envelope, authMsg message.Auth) MessageDecision {
	subject := connectionID
	if state, ok := g.auth.State(connectionID); ok {
		subject = state.UserID
	}
	if dec, ok := g.checkRate(connectionID, subject, message.TypeAuth); !ok {
		return dec
	}

	state, err := g.auth.Authenticate(connectionID, authMsg)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			g.events.Record(audit.Event{
				Kind:         audit.KindTokenExpired,
				Severity:     audit.SeverityMedium,
				ConnectionID: connectionID,
				Detail:       "auth credential expired",
			})
			return reject(RejectTokenExpired, "credential has expired")
		}
		g.events.Record(audit.Event{
			Kind:         audit.KindAuthFailure,
			Severity:     audit.SeverityHigh,
			ConnectionID: connectionID,
			Detail:       err.Error(),
		})
		return reject(RejectAuthFailed, "credential rejected")
	}

	g.events.Record(audit.Event{
		Kind:         audit.KindAuthSuccess,
		Severity:     audit.SeverityLow,
		ConnectionID: connectionID,
		UserID:       state.UserID,
		Detail:       "connection authenticated",
	})
	return accept(authMsg, false)
}

// checkRate runs the token bucket and records rate events. Returns the
// rejection decision and false when the message must be dropped.
func (g *Guard) checkRate(connectionID, subject string, t message.Type) (MessageDecision, bool) {
	res := g.limiter.Allow(subject, t)
	if res.BlockExpired && res.DroppedDuringBlock > 0 {
		// Rejections inside a block are coalesced into one summary event
		// when the block expires, so a flooding client cannot flood the
		// audit log too.
		g.events.Record(audit.Event{
			Kind:         audit.KindRateLimitBlocked,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			UserID:       subject,
			Detail:       fmt.Sprintf("%s block expired; %d messages rejected while blocked", t, res.DroppedDuringBlock),
		})
	}
	if res.Allowed {
		return MessageDecision{}, true
	}

	if res.JustBlocked {
		g.events.Record(audit.Event{
			Kind:         audit.KindRateLimitBlocked,
			Severity:     audit.SeverityHigh,
			ConnectionID: connectionID,
			UserID:       subject,
			Detail:       fmt.Sprintf("%s bucket blocked for %s after repeated violations", t, res.RetryAfter),
		})
		return reject(RejectRateBlocked, fmt.Sprintf("rate limit blocked; retry after %s", res.RetryAfter)), false
	}
	if res.Blocked {
		return reject(RejectRateBlocked, fmt.Sprintf("rate limit blocked; retry after %s", res.RetryAfter)), false
	}

	g.events.Record(audit.Event{
		Kind:         audit.KindRateLimitExceeded,
		Severity:     audit.SeverityMedium,
		ConnectionID: connectionID,
		UserID:       subject,
		Detail:       fmt.Sprintf("%s rate limit exceeded", t),
	})
	return reject(RejectRateLimited, fmt.Sprintf("rate limit exceeded; retry after %s", res.RetryAfter)), false
}

// sanitizeAndAccept strips dangerous constructs from the payload, rebuilds
// the typed message from the sanitized data, and accepts it.
func (g *Guard) sanitizeAndAccept(connectionID, userID string, env message.Envelope, msg message.Message) MessageDecision {
	cleanData, modified, err := g.sanitizer.Map(env.Data)
	if err != nil {
		// Only ErrTooDeep can surface here.
		g.events.Record(audit.Event{
			Kind:         audit.KindInvalidMessage,
			Severity:     audit.SeverityMedium,
			ConnectionID: connectionID,
			UserID:       userID,
			Detail:       "payload nesting exceeds maximum depth",
		})
		return reject(RejectPayloadTooDeep, "payload nesting exceeds maximum depth")
	}

	if modified {
		g.events.Record(audit.Event{
			Kind:         audit.KindXSSAttemptDetected,
			Severity:     audit.SeverityCritical,
			ConnectionID: connectionID,
			UserID:       userID,
			Detail:       fmt.Sprintf("markup constructs stripped from %s payload", msg.Kind()),
		})

		// Re-validate against the sanitized data so the typed value matches
		// what a renderer would ever see. Stripping never removes required
		// fields, so this cannot fail; if it somehow does, fail closed.
		clean, err := message.Validate(message.Envelope{Type: env.Type, Data: cleanData})
		if err != nil {
			g.events.Record(audit.Event{
				Kind:         audit.KindInvalidMessage,
				Severity:     audit.SeverityMedium,
				ConnectionID: connectionID,
				UserID:       userID,
				Detail:       "payload invalid after sanitization: " + err.Error(),
			})
			return reject(RejectInvalidMessage, "payload invalid after sanitization")
		}
		return accept(clean, true)
	}

	return accept(msg, false)
}

// userID returns the authenticated user for a connection, or "".
func (g *Guard) userID(connectionID string) string {
	if state, ok := g.auth.State(connectionID); ok {
		return state.UserID
	}
	return ""
}
