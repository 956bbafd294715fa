// Package origin validates declared WebSocket origins against an allow-list
// before a connection upgrade is permitted.
package origin

import (
	"context"
	"net/url"
	"sync"

	"github.com/pinglearn/wsguard/internal/logging"
)

// Config holds origin validation settings.
type Config struct {
	// AllowedOrigins is an exact-match allow-list of full origin strings,
	// e.g. "https://pinglearn.ai".
	AllowedOrigins []string
	// AllowLoopback accepts loopback origins regardless of the allow-list.
	// Enabled only in non-production deployments.
	AllowLoopback bool
	// Strict rejects a missing or empty origin outright. Always true in
	// production.
	Strict bool
}

// Decision is the outcome of an origin check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Validator checks declared origins. The allow-list is mutable at runtime
// so configuration reloads can take effect without tearing down state.
type Validator struct {
	mu            sync.RWMutex
	allowed       map[string]struct{}
	allowLoopback bool
	strict        bool
	logger        logging.Logger
}

// NewValidator creates an origin validator from the given configuration.
func NewValidator(cfg Config, logger logging.Logger) *Validator {
	v := &Validator{
		allowLoopback: cfg.AllowLoopback,
		strict:        cfg.Strict,
		logger:        logging.OrNop(logger).WithComponent("origin"),
	}
	v.SetAllowedOrigins(cfg.AllowedOrigins)
	return v
}

// SetAllowedOrigins replaces the allow-list.
func (v *Validator) SetAllowedOrigins(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	v.mu.Lock()
	v.allowed = allowed
	v.mu.Unlock()
}

// AllowedOrigins returns a copy of the current allow-list.
func (v *Validator) AllowedOrigins() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.allowed))
	for o := range v.allowed {
		out = append(out, o)
	}
	return out
}

// Check decides whether the declared origin may upgrade.
//
// The allow-list is exact-match and wins outright: a listed origin is
// accepted as the operator wrote it, whatever its scheme. The URL-shape and
// http/https gates apply only to origins outside the list, ahead of the
// loopback exemption. An absent origin is denied in strict mode and allowed
// with a warning reason otherwise.
func (v *Validator) Check(declared string) Decision {
	v.mu.RLock()
	strict := v.strict
	allowLoopback := v.allowLoopback
	_, listed := v.allowed[declared]
	v.mu.RUnlock()

	if declared == "" {
		if strict {
			return Decision{Allowed: false, Reason: "origin header missing (strict mode)"}
		}
		v.logger.Warn(context.Background(), nil, "upgrade with missing origin allowed in lenient mode")
		return Decision{Allowed: true, Reason: "origin header missing; allowed in lenient mode"}
	}

	if listed {
		return Decision{Allowed: true, Reason: "origin in allow-list"}
	}

	u, err := url.Parse(declared)
	if err != nil || u.Host == "" {
		return Decision{Allowed: false, Reason: "origin is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Decision{Allowed: false, Reason: "origin scheme must be http or https"}
	}

	if allowLoopback && isLoopbackHost(u.Hostname()) {
		return Decision{Allowed: true, Reason: "loopback origin allowed"}
	}

	return Decision{Allowed: false, Reason: "origin not in allow-list"}
}

// isLoopbackHost reports whether host names the local machine.
func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return false
}
