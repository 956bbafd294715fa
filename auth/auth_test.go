package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinglearn/wsguard/message"
)

var testSecret = []byte("unit-test-secret")

type tokenOpts struct {
	subject  string
	issuer   string
	audience string
	scopes   []string
	expires  time.Time
	secret   []byte
}

func makeToken(t *testing.T, opts tokenOpts) string {
	t.Helper()
	if opts.secret == nil {
		opts.secret = testSecret
	}
	if opts.expires.IsZero() {
		opts.expires = time.Now().Add(time.Hour)
	}

	claims := &Claims{
		Scopes: opts.scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.subject,
			Issuer:    opts.issuer,
			ExpiresAt: jwt.NewNumericDate(opts.expires),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	if opts.audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.secret)
	require.NoError(t, err)
	return signed
}

func TestAuthenticateStoresState(t *testing.T) {
	m := NewManager(Config{Secret: testSecret}, nil)

	token := makeToken(t, tokenOpts{
		subject: "user-42",
		issuer:  "pinglearn",
		scopes:  []string{"classroom", "voice"},
	})

	state, err := m.Authenticate("conn-1", message.Auth{Token: token, SessionID: "s-9"})
	require.NoError(t, err)

	assert.Equal(t, "user-42", state.UserID)
	assert.Equal(t, "s-9", state.SessionID)
	assert.Equal(t, "pinglearn", state.Issuer)
	assert.Equal(t, []string{"classroom", "voice"}, state.Scopes)
	assert.True(t, m.IsAuthenticated("conn-1"))
	assert.Equal(t, 1, m.Len())
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	m := NewManager(Config{Secret: testSecret}, nil)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrNoCredential,
		},
		{
			name:    "garbage token",
			token:   "not.a.jwt",
			wantErr: ErrTokenInvalid,
		},
		{
			name: "wrong signature",
			token: makeToken(t, tokenOpts{
				subject: "user-1",
				secret:  []byte("some-other-secret"),
			}),
			wantErr: ErrTokenInvalid,
		},
		{
			name: "missing subject",
			token: makeToken(t, tokenOpts{
				subject: "",
			}),
			wantErr: ErrTokenInvalid,
		},
		{
			name: "expired beyond leeway",
			token: makeToken(t, tokenOpts{
				subject: "user-1",
				expires: time.Now().Add(-10 * time.Minute),
			}),
			wantErr: ErrTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Authenticate("conn-1", message.Auth{Token: tt.token})
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, m.IsAuthenticated("conn-1"))
		})
	}
}

func TestAuthenticateAcceptsExpiryWithinLeeway(t *testing.T) {
	m := NewManager(Config{Secret: testSecret, Leeway: 5 * time.Minute}, nil)

	token := makeToken(t, tokenOpts{
		subject: "user-1",
		expires: time.Now().Add(-2 * time.Minute),
	})

	_, err := m.Authenticate("conn-1", message.Auth{Token: token})
	require.NoError(t, err, "expiry within the grace buffer is tolerated")
	assert.True(t, m.IsAuthenticated("conn-1"))
}

func TestAuthenticateEnforcesIssuerAndAudience(t *testing.T) {
	m := NewManager(Config{
		Secret:   testSecret,
		Issuer:   "pinglearn",
		Audience: "classroom-ws",
	}, nil)

	good := makeToken(t, tokenOpts{subject: "u", issuer: "pinglearn", audience: "classroom-ws"})
	_, err := m.Authenticate("conn-1", message.Auth{Token: good})
	require.NoError(t, err)

	badIssuer := makeToken(t, tokenOpts{subject: "u", issuer: "someone-else", audience: "classroom-ws"})
	_, err = m.Authenticate("conn-2", message.Auth{Token: badIssuer})
	require.ErrorIs(t, err, ErrTokenInvalid)

	badAudience := makeToken(t, tokenOpts{subject: "u", issuer: "pinglearn", audience: "other-service"})
	_, err = m.Authenticate("conn-3", message.Auth{Token: badAudience})
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticateRequiresConfiguredSecret(t *testing.T) {
	m := NewManager(Config{}, nil)
	token := makeToken(t, tokenOpts{subject: "u"})

	_, err := m.Authenticate("conn-1", message.Auth{Token: token})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestStateExpiryIsCrossedLazily(t *testing.T) {
	m := NewManager(Config{Secret: testSecret, Leeway: time.Minute}, nil)

	token := makeToken(t, tokenOpts{
		subject: "user-1",
		expires: time.Now().Add(30 * time.Minute),
	})
	_, err := m.Authenticate("conn-1", message.Auth{Token: token})
	require.NoError(t, err)
	require.True(t, m.IsAuthenticated("conn-1"))

	// Advance the manager's clock past expiry plus leeway: the state is
	// removed on the next lookup.
	m.SetClock(func() time.Time { return time.Now().Add(32 * time.Minute) })

	assert.False(t, m.IsAuthenticated("conn-1"))
	assert.Equal(t, 0, m.Len(), "expired state is purged, not retained")
}

func TestCleanupRemovesState(t *testing.T) {
	m := NewManager(Config{Secret: testSecret}, nil)

	token := makeToken(t, tokenOpts{subject: "user-1"})
	_, err := m.Authenticate("conn-1", message.Auth{Token: token})
	require.NoError(t, err)

	m.Cleanup("conn-1")
	assert.False(t, m.IsAuthenticated("conn-1"))

	// Cleanup of an unknown connection is a no-op.
	m.Cleanup("conn-unknown")
}

func TestReauthenticationReplacesState(t *testing.T) {
	m := NewManager(Config{Secret: testSecret}, nil)

	first := makeToken(t, tokenOpts{subject: "user-1"})
	_, err := m.Authenticate("conn-1", message.Auth{Token: first})
	require.NoError(t, err)

	second := makeToken(t, tokenOpts{subject: "user-2"})
	state, err := m.Authenticate("conn-1", message.Auth{Token: second})
	require.NoError(t, err)
	assert.Equal(t, "user-2", state.UserID)
	assert.Equal(t, 1, m.Len())
}
