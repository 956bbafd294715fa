package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	l := NewLog(10, nil)

	e := l.Record(Event{Kind: KindAuthSuccess, Severity: SeverityLow})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	e2 := l.Record(Event{Kind: KindAuthSuccess, Severity: SeverityLow})
	assert.NotEqual(t, e.ID, e2.ID)
}

func TestLogNeverExceedsCapacityAndEvictsFIFO(t *testing.T) {
	const capacity = 5
	l := NewLog(capacity, nil)

	for i := 0; i < capacity+3; i++ {
		l.Record(Event{
			Kind:     KindInvalidMessage,
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("event-%d", i),
		})
	}

	require.Equal(t, capacity, l.Len())

	all := l.All()
	require.Len(t, all, capacity)
	// Oldest entries (0..2) were evicted first.
	assert.Equal(t, "event-3", all[0].Detail)
	assert.Equal(t, "event-7", all[len(all)-1].Detail)
}

func TestQueryFilters(t *testing.T) {
	l := NewLog(100, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	l.SetClock(func() time.Time { return clock })

	l.Record(Event{Kind: KindAuthFailure, Severity: SeverityHigh, UserID: "u1", ConnectionID: "c1"})
	clock = base.Add(time.Minute)
	l.Record(Event{Kind: KindRateLimitExceeded, Severity: SeverityMedium, UserID: "u1", ConnectionID: "c2"})
	clock = base.Add(2 * time.Minute)
	l.Record(Event{Kind: KindXSSAttemptDetected, Severity: SeverityCritical, UserID: "u2", ConnectionID: "c3"})

	assert.Len(t, l.Query(Filter{UserID: "u1"}), 2)
	assert.Len(t, l.Query(Filter{ConnectionID: "c3"}), 1)
	assert.Len(t, l.Query(Filter{Kind: KindAuthFailure}), 1)
	assert.Len(t, l.Query(Filter{MinSeverity: SeverityHigh}), 2)
	assert.Len(t, l.Query(Filter{Since: base.Add(30 * time.Second)}), 2)
	assert.Len(t, l.Query(Filter{Until: base.Add(30 * time.Second)}), 1)
	assert.Len(t, l.Query(Filter{UserID: "u1", MinSeverity: SeverityHigh}), 1)
	assert.Empty(t, l.Query(Filter{UserID: "nobody"}))
}

func TestSubscribersReceiveEveryEvent(t *testing.T) {
	l := NewLog(10, nil)

	var seen []Event
	l.Subscribe(func(e Event) { seen = append(seen, e) })

	l.Record(Event{Kind: KindAuthSuccess, Severity: SeverityLow})
	l.Record(Event{Kind: KindInvalidOrigin, Severity: SeverityHigh})

	require.Len(t, seen, 2)
	assert.Equal(t, KindAuthSuccess, seen[0].Kind)
	assert.Equal(t, KindInvalidOrigin, seen[1].Kind)
	assert.NotEmpty(t, seen[0].ID, "subscribers see the stored record")
}

func TestZeroCapacityFallsBackToDefault(t *testing.T) {
	l := NewLog(0, nil)
	assert.Equal(t, DefaultCapacity, l.Capacity())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "medium", SeverityMedium.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "critical", SeverityCritical.String())
}
