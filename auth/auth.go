// Package auth validates the bearer credential delivered in the first
// message of a session and maintains per-connection authentication state.
//
// State machine per connection: Unauthenticated -> (valid auth message) ->
// Authenticated -> (expiry crossed or disconnect) -> removed. The layer
// fails closed: a connection with no state is unauthenticated.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pinglearn/wsguard/internal/logging"
	"github.com/pinglearn/wsguard/internal/secerr"
	"github.com/pinglearn/wsguard/message"
)

// DefaultLeeway is the clock-skew tolerance applied to token expiry: a
// token whose expiry is up to this far in the past is still accepted.
const DefaultLeeway = 5 * time.Minute

// Structured failures returned by Authenticate. Callers branch with
// errors.Is.
var (
	ErrTokenExpired  = secerr.NewAuth("TOKEN_EXPIRED", "credential has expired")
	ErrTokenInvalid  = secerr.NewAuth("AUTH_FAILURE", "credential is invalid")
	ErrNoCredential  = secerr.NewAuth("AUTH_FAILURE", "credential is missing")
	ErrMissingSecret = secerr.NewConfig("AUTH_SECRET_MISSING", "auth verification secret is not configured")
)

// Claims are the JWT claims the layer understands.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// State is the per-connection authentication state, created only after a
// successful authentication.
type State struct {
	UserID          string
	SessionID       string
	Scopes          []string
	Issuer          string
	Audience        string
	ExpiresAt       time.Time
	AuthenticatedAt time.Time
}

// Config holds credential validation settings.
type Config struct {
	// Secret is the HS256 verification key. Required.
	Secret []byte
	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string
	// Audience, when non-empty, must appear in the token's aud claim.
	Audience string
	// Leeway is the expiry clock-skew tolerance. Zero means DefaultLeeway.
	Leeway time.Duration
}

// Manager owns all AuthState. Mutated only here; the facade calls Cleanup
// on every disconnect path.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*State
	now    func() time.Time
	logger logging.Logger
}

// NewManager creates an auth manager.
func NewManager(cfg Config, logger logging.Logger) *Manager {
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	return &Manager{
		cfg:    cfg,
		states: make(map[string]*State),
		now:    time.Now,
		logger: logging.OrNop(logger).WithComponent("auth"),
	}
}

// SetClock overrides the manager's clock. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Authenticate validates the credential in an auth message and, on success,
// stores AuthState for the connection. Re-authentication replaces the
// previous state.
func (m *Manager) Authenticate(connectionID string, msg message.Auth) (*State, error) {
	if msg.Token == "" {
		return nil, ErrNoCredential
	}
	if len(m.cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(m.cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	if m.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(msg.Token, claims, func(*jwt.Token) (interface{}, error) {
		return m.cfg.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		m.logger.Debug(context.Background(), "credential rejected",
			"connection_id", connectionID,
			"reason", err.Error(),
		)
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	var audience string
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}

	now := m.now()
	state := &State{
		UserID:          claims.Subject,
		SessionID:       msg.SessionID,
		Scopes:          append([]string(nil), claims.Scopes...),
		Issuer:          claims.Issuer,
		Audience:        audience,
		ExpiresAt:       claims.ExpiresAt.Time,
		AuthenticatedAt: now,
	}

	m.mu.Lock()
	m.states[connectionID] = state
	m.mu.Unlock()

	m.logger.Info(context.Background(), "connection authenticated",
		"connection_id", connectionID,
		"user_id", state.UserID,
	)

	return state, nil
}

// IsAuthenticated reports whether the connection holds live AuthState.
// State whose expiry has been crossed is removed on the way out.
func (m *Manager) IsAuthenticated(connectionID string) bool {
	_, ok := m.State(connectionID)
	return ok
}

// State returns the live AuthState for a connection, removing it first if
// the credential's expiry has been crossed.
func (m *Manager) State(connectionID string) (*State, bool) {
	m.mu.RLock()
	state, ok := m.states[connectionID]
	now := m.now()
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if now.After(state.ExpiresAt.Add(m.cfg.Leeway)) {
		m.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// re-authenticated the connection meanwhile.
		if cur, still := m.states[connectionID]; still && cur == state {
			delete(m.states, connectionID)
		}
		m.mu.Unlock()
		return nil, false
	}

	return state, true
}

// Cleanup removes AuthState for a connection. Called unconditionally on
// every disconnect path; removing an unknown connection is a no-op.
func (m *Manager) Cleanup(connectionID string) {
	m.mu.Lock()
	delete(m.states, connectionID)
	m.mu.Unlock()
}

// Len returns the number of authenticated connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
