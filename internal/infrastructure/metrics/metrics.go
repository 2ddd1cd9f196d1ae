package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swiftservice_chat"

// Metrics holds the client-side messaging collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connectionState   prometheus.Gauge
	connectAttempts   prometheus.Counter
	connectFailures   prometheus.Counter
	reconnectsExhaust prometheus.Counter
	messagesSent      prometheus.Counter
	sendFailures      prometheus.Counter
	fetches           *prometheus.CounterVec
	unreadConvs       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Transport state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Socket dial attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Socket dial attempts that failed.",
		}),
		reconnectsExhaust: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Times the reconnect policy gave up.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "send-message frames written.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends rolled back because the transport refused them.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_fetches_total",
			Help:      "Conversation list fetches by outcome.",
		}, []string{"outcome"}),
		unreadConvs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_conversations",
			Help:      "Conversations with at least one unread message.",
		}),
	}

	reg.MustRegister(
		m.connectionState,
		m.connectAttempts,
		m.connectFailures,
		m.reconnectsExhaust,
		m.messagesSent,
		m.sendFailures,
		m.fetches,
		m.unreadConvs,
	)
	return m
}

func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) ConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectsExhaust.Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) SendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// Fetch records a conversation fetch; outcome is "ok", "error" or "stale".
func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetUnreadConversations(n int) {
	if m == nil {
		return
	}
	m.unreadConvs.Set(float64(n))
}

// Handler returns an http.Handler for Prometheus scraping of gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
