// Package telemetry holds the Prometheus collectors shared by the hub, the
// supervisor and the HTTP API. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/multichat/internal/core"
)

const namespace = "multichat"

// Metrics bundles Prometheus collectors for the process.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	clients         *prometheus.GaugeVec
	hubDrops        *prometheus.CounterVec
	envelopesSent   *prometheus.CounterVec
	chatMessages    *prometheus.CounterVec
	adapterState    *prometheus.GaugeVec
	windowErrors    prometheus.Counter
	badgeFetches    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_clients",
			Help:      "Current broadcast clients by transport",
		}, []string{"transport"}),
		hubDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_drops_total",
			Help:      "Envelopes dropped by the hub",
		}, []string{"reason"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_envelopes_sent_total",
			Help:      "Envelopes written to clients",
		}, []string{"transport"}),
		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Normalized chat messages per platform",
		}, []string{"platform"}),
		adapterState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_state",
			Help:      "1 for the current state of each platform adapter",
		}, []string{"platform", "state"}),
		windowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_write_errors_total",
			Help:      "Recent-window write errors",
		}),
		badgeFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badge_fetches_total",
			Help:      "Badge catalog fetches by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.clients,
		m.hubDrops,
		m.envelopesSent,
		m.chatMessages,
		m.adapterState,
		m.windowErrors,
		m.badgeFetches,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// AddClients adjusts the client gauge for transport by delta.
func (m *Metrics) AddClients(transport string, delta float64) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(transport).Add(delta)
}

func (m *Metrics) IncHubDrop(reason string) {
	if m == nil {
		return
	}
	m.hubDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncEnvelopeSent(transport string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncChatMessage(p core.Platform) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(string(p)).Inc()
}

// SetAdapterState marks state as the current one for p.
func (m *Metrics) SetAdapterState(p core.Platform, state core.State) {
	if m == nil {
		return
	}
	for _, s := range core.States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.adapterState.WithLabelValues(string(p), string(s)).Set(v)
	}
}

func (m *Metrics) IncWindowWriteErrors() {
	if m == nil {
		return
	}
	m.windowErrors.Inc()
}

func (m *Metrics) IncBadgeFetch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.badgeFetches.WithLabelValues(result).Inc()
}
