// Package audit provides the append-only security event log: a bounded FIFO
// ring of immutable events with severity classification, queryable in memory
// and exportable through a subscriber stream.
//
// The log is not persisted. An external observability pipeline is expected
// to Subscribe and export events for durability.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pinglearn/wsguard/internal/logging"
)

// Kind identifies a class of security event.
type Kind string

const (
	KindAuthSuccess        Kind = "AUTH_SUCCESS"
	KindAuthFailure        Kind = "AUTH_FAILURE"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindRateLimitBlocked   Kind = "RATE_LIMIT_BLOCKED"
	KindInvalidMessage     Kind = "INVALID_MESSAGE"
	KindInvalidOrigin      Kind = "INVALID_ORIGIN"
	KindMessageTooLarge    Kind = "MESSAGE_TOO_LARGE"
	KindXSSAttemptDetected Kind = "XSS_ATTEMPT_DETECTED"
	KindSuspiciousActivity Kind = "SUSPICIOUS_ACTIVITY"
)

// Severity classifies how urgent an event is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is an immutable security event record. Events are never mutated
// after Record returns.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Severity     Severity  `json:"severity"`
	UserID       string    `json:"user_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Filter selects events from the log. Zero-valued fields match everything.
type Filter struct {
	UserID       string
	ConnectionID string
	Kind         Kind
	MinSeverity  Severity
	Since        time.Time
	Until        time.Time
}

func (f Filter) matches(e Event) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ConnectionID != "" && e.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// DefaultCapacity bounds the in-memory event log.
const DefaultCapacity = 1000

// Subscriber receives every recorded event. Subscribers are invoked
// synchronously on the recording goroutine and must not block.
type Subscriber func(Event)

// Log is a fixed-capacity FIFO event log. The oldest entry is evicted when
// capacity is exceeded.
type Log struct {
	mu       sync.RWMutex
	buf      []Event
	next     int
	full     bool
	capacity int

	subsMu sync.RWMutex
	subs   []Subscriber

	logger logging.Logger
	now    func() time.Time
}

// NewLog creates an event log with the given capacity. A capacity of zero
// or less falls back to DefaultCapacity.
func NewLog(capacity int, logger logging.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:      make([]Event, capacity),
		capacity: capacity,
		logger:   logging.OrNop(logger).WithComponent("audit"),
		now:      time.Now,
	}
}

// SetClock overrides the log's clock. Test hook.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Record appends an event, assigning its ID and timestamp when unset, and
// returns the stored record. Subscribers are notified after the append.
func (l *Log) Record(e Event) Event {
	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	l.buf[l.next] = e
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	l.logger.Debug(context.Background(), "security event recorded",
		"kind", string(e.Kind),
		"severity", e.Severity.String(),
		"connection_id", e.ConnectionID,
		"user_id", e.UserID,
	)

	l.subsMu.RLock()
	subs := l.subs
	l.subsMu.RUnlock()
	for _, sub := range subs {
		sub(e)
	}

	return e
}

// Subscribe registers a subscriber for all future events.
func (l *Log) Subscribe(sub Subscriber) {
	if sub == nil {
		return
	}
	l.subsMu.Lock()
	l.subs = append(l.subs, sub)
	l.subsMu.Unlock()
}

// Query returns events matching the filter, oldest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.ordered() {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// All returns every retained event, oldest first.
func (l *Log) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ordered()
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.capacity
	}
	return l.next
}

// Capacity returns the configured maximum number of retained events.
func (l *Log) Capacity() int {
	return l.capacity
}

// ordered copies the ring contents oldest-first. Caller must hold mu.
func (l *Log) ordered() []Event {
	if !l.full {
		out := make([]Event, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Event, 0, l.capacity)
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}
