package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "call_signaling"

// Metrics groups the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived       *prometheus.CounterVec
	EventsRelayed        *prometheus.CounterVec
	DuplicatesSuppressed *prometheus.CounterVec
	Errors               *prometheus.CounterVec
	CallsStarted         prometheus.Counter
	CallsEnded           *prometheus.CounterVec
	PanicsRecovered      prometheus.Counter
	ActiveCalls          prometheus.Gauge
	OnlineUsers          prometheus.Gauge
}

// New creates the collectors and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound signaling events by name.",
		}, []string{"event"}),
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Events delivered to a peer connection by name.",
		}, []string{"event"}),
		DuplicatesSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Retransmitted offers and answers dropped before relay.",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events sent back to senders by code.",
		}, []string{"code"}),
		CallsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Call sessions created.",
		}),
		CallsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Call sessions ended by reason.",
		}, []string{"reason"}),
		PanicsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics contained at the event handler boundary.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently ringing or connected.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a registered signaling connection.",
		}),
	}
	m.registry.MustRegister(
		m.EventsReceived,
		m.EventsRelayed,
		m.DuplicatesSuppressed,
		m.Errors,
		m.CallsStarted,
		m.CallsEnded,
		m.PanicsRecovered,
		m.ActiveCalls,
		m.OnlineUsers,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Received(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) Relayed(event string) {
	if m == nil {
		return
	}
	m.EventsRelayed.WithLabelValues(event).Inc()
}

func (m *Metrics) Duplicate(kind string) {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.WithLabelValues(kind).Inc()
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) PanicRecovered() {
	if m == nil {
		return
	}
	m.PanicsRecovered.Inc()
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.OnlineUsers.Set(float64(n))
}
