// Package metrics exposes gateway counters and gauges in Prometheus format.
//
// Every method is safe on a nil *Metrics so components can be built without
// metrics in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tesgw"

// Metrics owns a private registry so several instances can coexist.
type Metrics struct {
	registry *prometheus.Registry

	webhookRequests   *prometheus.CounterVec
	messages          *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	connections       prometheus.Gauge
	subscriptions     prometheus.Gauge
	keepaliveTimeouts prometheus.Counter
	reconnects        *prometheus.CounterVec
	apiRequests       *prometheus.CounterVec
}

// New creates a Metrics with Go runtime and process collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		webhookRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Webhook callback requests by outcome",
			},
			[]string{"result"},
		),
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound notification and revocation messages by transport and filter verdict",
			},
			[]string{"transport", "verdict"},
		),
		dispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Events fired by type and whether a handler consumed them",
			},
			[]string{"event_type", "handled"},
		),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_connections",
			Help:      "Live socket connections in the session pool",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_subscriptions",
			Help:      "Subscriptions tracked across all socket connections",
		}),
		keepaliveTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_timeouts_total",
			Help:      "Socket connections lost to a missed keepalive",
		}),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Producer-requested reconnect handoffs by result",
			},
			[]string{"result"},
		),
		apiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "helix_requests_total",
				Help:      "Management API requests by method and status code",
			},
			[]string{"method", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(transport, verdict string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(transport, verdict).Inc()
}

func (m *Metrics) Dispatched(eventType string, handled bool) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(eventType, strconv.FormatBool(handled)).Inc()
}

// SetPool records the current session pool size.
func (m *Metrics) SetPool(connections, subscriptions int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.subscriptions.Set(float64(subscriptions))
}

func (m *Metrics) KeepaliveTimeout() {
	if m == nil {
		return
	}
	m.keepaliveTimeouts.Inc()
}

func (m *Metrics) Reconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) APIRequest(method string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}
