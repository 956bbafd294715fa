// Package metrics exports security-layer activity to Prometheus. It is the
// observability collaborator the event log expects: a subscriber that
// mirrors every recorded event into counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pinglearn/wsguard/audit"
)

// Collector holds the Prometheus instruments for the security layer.
type Collector struct {
	events      *prometheus.CounterVec
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
}

// NewCollector creates and registers the collector. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a private
// registry in tests.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsguard_security_events_total",
			Help: "Security events recorded, by kind and severity.",
		}, []string{"kind", "severity"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsguard_connections",
			Help: "Live WebSocket connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsguard_messages_total",
			Help: "Message admission decisions, by outcome.",
		}, []string{"outcome"}),
	}

	for _, col := range []prometheus.Collector{c.events, c.connections, c.messages} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe mirrors one security event into the counters. Matches the
// audit.Subscriber signature: guard.Events().Subscribe(collector.Observe).
func (c *Collector) Observe(e audit.Event) {
	c.events.WithLabelValues(string(e.Kind), e.Severity.String()).Inc()
}

// ConnOpened records a new live connection.
func (c *Collector) ConnOpened() {
	c.connections.Inc()
}

// ConnClosed records a closed connection.
func (c *Collector) ConnClosed() {
	c.connections.Dec()
}

// MessageAccepted records an admitted message.
func (c *Collector) MessageAccepted() {
	c.messages.WithLabelValues("accepted").Inc()
}

// MessageRejected records a dropped message with its rejection reason.
func (c *Collector) MessageRejected(reason string) {
	c.messages.WithLabelValues(reason).Inc()
}
