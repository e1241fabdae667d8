package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for bridge requests.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport"
	OutcomeDropped   = "dropped"
	OutcomeCanceled  = "canceled"
)

// Metrics holds the host's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	BridgePending       prometheus.Gauge
	BridgeRequests      *prometheus.CounterVec
	BridgeDuration      *prometheus.HistogramVec
	BridgeNotifications prometheus.Counter
	BridgeInvalidLines  prometheus.Counter
	BusDropped          *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	SessionsCreated     prometheus.Counter
	SessionOutputBytes  prometheus.Counter
	RouterRequests      *prometheus.CounterVec
	StreamClients       prometheus.Gauge
	StreamEvents        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BridgePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellhost_bridge_pending_requests",
			Help: "Requests awaiting a worker reply",
		}),
		BridgeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellhost_bridge_requests_total",
			Help: "Worker requests by method and outcome",
		}, []string{"method", "outcome"}),
		BridgeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shellhost_bridge_request_duration_seconds",
			Help:    "Worker request round trip in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		}, []string{"method"}),
		BridgeNotifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellhost_bridge_notifications_total",
			Help: "Unsolicited worker messages published",
		}),
		BridgeInvalidLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellhost_bridge_invalid_lines_total",
			Help: "Worker stdout lines discarded as invalid",
		}),
		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellhost_eventbus_dropped_total",
			Help: "Events dropped for slow subscribers",
		}, []string{"topic"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellhost_terminal_sessions_active",
			Help: "Open terminal sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellhost_terminal_sessions_created_total",
			Help: "Terminal sessions created",
		}),
		SessionOutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "shellhost_terminal_output_bytes_total",
			Help: "Bytes captured from terminal sessions",
		}),
		RouterRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellhost_router_requests_total",
			Help: "UI requests by surface, kind and result",
		}, []string{"surface", "kind", "result"}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shellhost_stream_clients",
			Help: "Connected SSE and WebSocket clients",
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellhost_stream_events_total",
			Help: "Bus events forwarded to UI streams by type",
		}, []string{"type"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shellhost_http_requests_total",
			Help: "HTTP requests by method and status class",
		}, []string{"method", "class"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// PendingChanged sets the pending request gauge.
func (m *Metrics) PendingChanged(n int) {
	if m == nil {
		return
	}
	m.BridgePending.Set(float64(n))
}

// RequestFinished records a completed worker request.
func (m *Metrics) RequestFinished(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BridgeRequests.WithLabelValues(method, outcome).Inc()
	m.BridgeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// NotificationPublished counts a notification.
func (m *Metrics) NotificationPublished() {
	if m == nil {
		return
	}
	m.BridgeNotifications.Inc()
}

// InvalidLine counts a discarded stdout line.
func (m *Metrics) InvalidLine() {
	if m == nil {
		return
	}
	m.BridgeInvalidLines.Inc()
}

// BusDrop counts dropped event deliveries.
func (m *Metrics) BusDrop(topic string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.BusDropped.WithLabelValues(topic).Add(float64(count))
}

// SessionOpened records a new terminal session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a closed terminal session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// OutputCaptured counts terminal output bytes.
func (m *Metrics) OutputCaptured(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionOutputBytes.Add(float64(n))
}

// Routed records a routed UI request.
func (m *Metrics) Routed(surface, kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RouterRequests.WithLabelValues(surface, kind, result).Inc()
}

// StreamClientDelta adjusts the connected stream client gauge.
func (m *Metrics) StreamClientDelta(delta int) {
	if m == nil {
		return
	}
	m.StreamClients.Add(float64(delta))
}

// StreamForwarded counts a bus event forwarded to UI streams.
func (m *Metrics) StreamForwarded(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

// HTTPServed counts an HTTP response by its status class (2xx, 4xx, ...).
func (m *Metrics) HTTPServed(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
}
