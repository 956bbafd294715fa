// Package ratelimit implements the per-subject, per-message-type token
// bucket limiter with a Blocked escalation state.
//
// Buckets refill lazily at check time from stored timestamps, so cost is
// proportional to traffic rather than to the number of live buckets. Three
// consecutive violations move a bucket from Active to Blocked; the block
// expires after a fixed duration and the violation counter resets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/pinglearn/wsguard/message"
)

// Limit configures one message type: a burst capacity and a sustained
// refill rate in messages per second.
type Limit struct {
	Burst     float64
	PerSecond float64
}

// Config holds limiter settings.
type Config struct {
	// Limits maps message types to their limits. Types without an entry use
	// Default.
	Limits map[message.Type]Limit
	// Default applies to message types absent from Limits.
	Default Limit
	// ViolationThreshold is the number of consecutive violations that moves
	// a bucket to Blocked.
	ViolationThreshold int
	// BlockDuration is how long a Blocked bucket rejects everything.
	BlockDuration time.Duration
	// Retention is how long an idle bucket survives before the janitor
	// removes it.
	Retention time.Duration
}

// DefaultLimits returns the per-type limits used when configuration does
// not override them.
func DefaultLimits() map[message.Type]Limit {
	return map[message.Type]Limit{
		message.TypeAuth:          {Burst: 3, PerSecond: 0.1},
		message.TypeTranscription: {Burst: 10, PerSecond: 5},
		message.TypeVoiceControl:  {Burst: 5, PerSecond: 2},
		message.TypeSessionEvent:  {Burst: 5, PerSecond: 2},
		message.TypeMathRender:    {Burst: 5, PerSecond: 2},
		message.TypePing:          {Burst: 2, PerSecond: 1},
		message.TypePong:          {Burst: 2, PerSecond: 1},
	}
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Limits:             DefaultLimits(),
		Default:            Limit{Burst: 5, PerSecond: 2},
		ViolationThreshold: 3,
		BlockDuration:      60 * time.Second,
		Retention:          5 * time.Minute,
	}
}

// Result reports an admission decision.
type Result struct {
	// Allowed is true when the message was admitted and a token consumed.
	Allowed bool
	// Blocked is true when the rejection came from the Blocked state.
	Blocked bool
	// JustBlocked is true on the transition into Blocked; exactly one
	// rejection per block carries it.
	JustBlocked bool
	// BlockExpired is true on the first check after a block elapsed.
	// DroppedDuringBlock then carries the number of rejections coalesced
	// over that block, so blocked-phase traffic stays visible without one
	// log entry per rejection.
	BlockExpired       bool
	DroppedDuringBlock int
	// Remaining is the token count left after the decision.
	Remaining float64
	// RetryAfter estimates how long until the next message could be
	// admitted. Zero when Allowed.
	RetryAfter time.Duration
}

type bucketKey struct {
	subject string
	msgType message.Type
}

// bucket state machine: Active -> (threshold consecutive violations) ->
// Blocked -> (block duration elapses) -> Active with the counter reset.
type bucket struct {
	tokens       float64
	lastRefill   time.Time
	violations   int
	blockedUntil time.Time
	blockedDrops int
	lastSeen     time.Time
}

// Limiter is the token-bucket admission checker.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 60 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.Default.Burst <= 0 {
		cfg.Default = Limit{Burst: 5, PerSecond: 2}
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// SetClock overrides the limiter's clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetLimits replaces the per-type limits. Existing buckets keep their token
// counts; the new capacity caps them on the next refill.
func (l *Limiter) SetLimits(limits map[message.Type]Limit) {
	l.mu.Lock()
	l.cfg.Limits = limits
	l.mu.Unlock()
}

// limitFor returns the configured limit for a message type. Caller holds mu.
func (l *Limiter) limitFor(t message.Type) Limit {
	if lim, ok := l.cfg.Limits[t]; ok && lim.Burst > 0 {
		return lim
	}
	return l.cfg.Default
}

// Allow runs one admission check for (subject, message type). Buckets are
// created lazily on first use.
func (l *Limiter) Allow(subject string, t message.Type) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lim := l.limitFor(t)
	key := bucketKey{subject: subject, msgType: t}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: lim.Burst, lastRefill: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Blocked state: reject everything until the block elapses.
	var expired bool
	var dropped int
	if !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			b.blockedDrops++
			return Result{
				Blocked:    true,
				Remaining:  b.tokens,
				RetryAfter: b.blockedUntil.Sub(now),
			}
		}
		// Block elapsed: back to Active, counter reset. The first check
		// after expiry reports the coalesced drop count.
		expired = true
		dropped = b.blockedDrops
		b.blockedUntil = time.Time{}
		b.violations = 0
		b.blockedDrops = 0
	}

	// Lazy refill. A malformed stored timestamp (zero or in the future) is
	// treated as now.
	if b.lastRefill.IsZero() || b.lastRefill.After(now) {
		b.lastRefill = now
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(lim.Burst, b.tokens+elapsed*lim.PerSecond)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		b.violations = 0
		return Result{
			Allowed:            true,
			Remaining:          b.tokens,
			BlockExpired:       expired,
			DroppedDuringBlock: dropped,
		}
	}

	b.violations++
	if b.violations >= l.cfg.ViolationThreshold {
		b.blockedUntil = now.Add(l.cfg.BlockDuration)
		return Result{
			Blocked:            true,
			JustBlocked:        true,
			Remaining:          b.tokens,
			RetryAfter:         l.cfg.BlockDuration,
			BlockExpired:       expired,
			DroppedDuringBlock: dropped,
		}
	}

	return Result{
		Remaining:          b.tokens,
		RetryAfter:         tokenWait(b.tokens, lim.PerSecond),
		BlockExpired:       expired,
		DroppedDuringBlock: dropped,
	}
}

// tokenWait estimates how long until one full token accumulates.
func tokenWait(tokens, perSecond float64) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	deficit := 1 - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / perSecond * float64(time.Second))
}

// Sweep removes buckets idle beyond the retention window. Blocked buckets
// whose block has not elapsed are kept so a block cannot be evaded by going
// quiet. Deletions are safe against in-flight checks because buckets are
// recreated lazily.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Retention)
	for key, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
