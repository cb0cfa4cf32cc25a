package livechat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the sync bookkeeping of a session as Prometheus
// collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches    *prometheus.CounterVec
	replays    *prometheus.CounterVec
	hydrations *prometheus.CounterVec
	resyncs    *prometheus.CounterVec
	ignored    *prometheus.CounterVec
	notices    prometheus.Counter
	opens      prometheus.Counter
	pending    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_fetch_requests_total",
			Help: "Fetch-by-id requests sent, by entity kind.",
		}, []string{"kind"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_fetch_replays_total",
			Help: "Outstanding fetches re-sent after a reconnect, by entity kind.",
		}, []string{"kind"}),
		hydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_hydrations_total",
			Help: "Entities installed from inbound events, by entity kind.",
		}, []string{"kind"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_resync_requests_total",
			Help: "Resync requests sent on open, by mode (start or watermark).",
		}, []string{"mode"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_ignored_events_total",
			Help: "Inbound events dropped, by type.",
		}, []string{"type"}),
		notices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livechat_server_errors_total",
			Help: "Server error events surfaced as notices.",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livechat_channel_opens_total",
			Help: "Duplex channel open events, including reconnects.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livechat_pending_fetches",
			Help: "Fetches requested but not yet hydrated, by entity kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.replays, m.hydrations, m.resyncs, m.ignored, m.notices, m.opens, m.pending)
	}
	return m
}

func (m *Metrics) fetchRequested(k Kind) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) fetchReplayed(k Kind) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) hydrated(k Kind) {
	if m == nil {
		return
	}
	m.hydrations.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) setPending(k Kind, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(string(k)).Set(float64(n))
}

func (m *Metrics) resync(mode string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(mode).Inc()
}

func (m *Metrics) ignoredEvent(eventType string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(eventType).Inc()
}

func (m *Metrics) notice() {
	if m == nil {
		return
	}
	m.notices.Inc()
}

func (m *Metrics) opened() {
	if m == nil {
		return
	}
	m.opens.Inc()
}
