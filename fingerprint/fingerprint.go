// Package fingerprint derives stable identifiers from connection metadata
// and detects abusive connection bursts per fingerprint.
//
// The fingerprint is a one-way hash, so connections can be correlated
// without retaining raw identifying data. Burst detection is advisory: it
// emits no blocking decision itself, the caller decides policy.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Config holds burst detection settings.
type Config struct {
	// BurstThreshold is the number of connections within BurstWindow above
	// which a fingerprint is considered bursting.
	BurstThreshold int
	// BurstWindow is the sliding window for burst detection.
	BurstWindow time.Duration
	// Retention is how long idle fingerprint entries are kept before the
	// janitor removes them.
	Retention time.Duration
}

// DefaultConfig returns the default burst detection settings: more than 5
// connections within 1 second flags the fingerprint.
func DefaultConfig() Config {
	return Config{
		BurstThreshold: 5,
		BurstWindow:    time.Second,
		Retention:      5 * time.Minute,
	}
}

// New derives a deterministic fingerprint from connection metadata.
func New(address, userAgent, protocol string) string {
	h := sha256.New()
	h.Write([]byte(address))
	h.Write([]byte{'|'})
	h.Write([]byte(userAgent))
	h.Write([]byte{'|'})
	h.Write([]byte(protocol))
	return hex.EncodeToString(h.Sum(nil))
}

// Tracker keeps a sliding list of connection timestamps per fingerprint.
type Tracker struct {
	mu   sync.Mutex
	cfg  Config
	seen map[string][]time.Time
	now  func() time.Time
}

// NewTracker creates a burst tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Tracker{
		cfg:  cfg,
		seen: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// SetClock overrides the tracker's clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Track records a connection for the fingerprint and reports the number of
// connections inside the current window and whether that exceeds the burst
// threshold.
func (t *Tracker) Track(fp string) (count int, burst bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.cfg.BurstWindow)

	recent := t.seen[fp][:0]
	for _, ts := range t.seen[fp] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	t.seen[fp] = recent

	return len(recent), len(recent) > t.cfg.BurstThreshold
}

// Sweep removes fingerprints with no connections inside the retention
// window. Safe to run concurrently with Track; entries are recreated lazily.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.Retention)
	for fp, stamps := range t.seen {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(t.seen, fp)
		}
	}
}

// Len returns the number of tracked fingerprints.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
