package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "annohub"

// Metrics holds the hub's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	rooms        prometheus.Gauge
	messages     *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	lockRequests *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	sendFailed   prometheus.Counter
	presenceLost prometheus.Counter
}

// NewMetrics builds the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Registered connections",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member",
		}),
		// Labels: type (client message type, or "unknown")
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Inbound client messages by type",
		}, []string{"type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_total",
			Help:      "Stale annotation writes answered with a conflict",
		}, []string{"request_type"}),
		// Labels: outcome (granted, renewed, denied)
		lockRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_requests_total",
			Help:      "Lock acquire requests by outcome",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Connections evicted by reason",
		}, []string{"reason"}),
		sendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Outbound frames dropped because a send queue was full or closed",
		}),
		presenceLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_dropped_total",
			Help:      "Presence events dropped because the publish queue was full",
		}),
	}
	if registerer != nil {
		collectors := []prometheus.Collector{
			metrics.connections,
			metrics.rooms,
			metrics.messages,
			metrics.conflicts,
			metrics.lockRequests,
			metrics.evictions,
			metrics.sendFailed,
			metrics.presenceLost,
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (m *Metrics) setConnections(count int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(count))
}

func (m *Metrics) setRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

func (m *Metrics) message(messageType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) conflict(requestType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(requestType).Inc()
}

func (m *Metrics) lockDecision(outcome string) {
	if m == nil {
		return
	}
	m.lockRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) eviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) sendFailures(count int) {
	if m == nil {
		return
	}
	m.sendFailed.Add(float64(count))
}

func (m *Metrics) presenceDropped() {
	if m == nil {
		return
	}
	m.presenceLost.Inc()
}
