// Package metrics defines the gateway's Prometheus metric families,
// following the naming scheme gateway_{prefix}_{http|socket}_{name}.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpLabels = []string{"app", "method", "status_code"}
var socketLabels = []string{"app"}

// Registry owns every metric family and the registry they are registered
// against, scoped to a configured metrics_prefix.
type Registry struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	httpReqSizeLow        *prometheus.HistogramVec
	httpReqSizeHigh       *prometheus.HistogramVec
	httpResSizeLow        *prometheus.HistogramVec
	httpResSizeHigh       *prometheus.HistogramVec

	socketClients       *prometheus.GaugeVec
	socketMessageSent   *prometheus.CounterVec
	socketMessageRecv   *prometheus.CounterVec
	socketMsgSentSize   *prometheus.HistogramVec
	socketMsgRecvSize   *prometheus.HistogramVec
}

func metricName(prefix string, protocol string, name string) string {
	return "gateway_" + prefix + "_" + protocol + "_" + name
}

/*
NewRegistry builds and registers every metric family under prefix.

 @param prefix string - the configured metrics_prefix
 @return the new Registry
*/
func NewRegistry(prefix string) *Registry {
	reg := prometheus.NewRegistry()
	byteBuckets := prometheus.ExponentialBuckets(1, 2, 35)

	r := &Registry{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricName(prefix, "http", "requests_total"),
			Help: "Number of HTTP requests made.",
		}, httpLabels),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "http", "request_duration_seconds"),
			Help: "The HTTP request latencies in seconds.",
		}, httpLabels),
		httpReqSizeLow: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "http", "request_size_low_bytes"), Help: "The HTTP request size in bytes (lower bound).",
			Buckets: byteBuckets,
		}, httpLabels),
		httpReqSizeHigh: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "http", "request_size_high_bytes"), Help: "The HTTP request size in bytes (upper bound).",
			Buckets: byteBuckets,
		}, httpLabels),
		httpResSizeLow: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "http", "response_size_low_bytes"), Help: "The HTTP response size in bytes (lower bound).",
			Buckets: byteBuckets,
		}, httpLabels),
		httpResSizeHigh: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "http", "response_size_high_bytes"), Help: "The HTTP response size in bytes (upper bound).",
			Buckets: byteBuckets,
		}, httpLabels),
		socketClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricName(prefix, "socket", "clients"), Help: "Number simultaneously open sockets",
		}, socketLabels),
		socketMessageSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricName(prefix, "socket", "message_sent"), Help: "Total number of messages sent from server through sockets",
		}, socketLabels),
		socketMessageRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricName(prefix, "socket", "message_received"), Help: "Total number of messages received by server through sockets",
		}, socketLabels),
		socketMsgSentSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "socket", "message_sent_size"), Help: "Size of messages sent from server through sockets in bytes",
			Buckets: byteBuckets,
		}, socketLabels),
		socketMsgRecvSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: metricName(prefix, "socket", "message_received_size"), Help: "Size of messages received by server through sockets in bytes",
			Buckets: byteBuckets,
		}, socketLabels),
	}

	reg.MustRegister(
		r.httpRequestsTotal, r.httpRequestDuration, r.httpReqSizeLow, r.httpReqSizeHigh,
		r.httpResSizeLow, r.httpResSizeHigh, r.socketClients, r.socketMessageSent,
		r.socketMessageRecv, r.socketMsgSentSize, r.socketMsgRecvSize,
	)
	return r
}

// Handler exposes the /metrics endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// CommitHTTP records one completed HTTP request/response cycle.
func (r *Registry) CommitHTTP(
	app string, method string, statusCode string,
	durationSeconds float64, reqSizeLow float64, reqSizeHigh *float64,
	resSizeLow float64, resSizeHigh *float64,
) {
	labels := prometheus.Labels{"app": app, "method": method, "status_code": statusCode}
	r.httpRequestsTotal.With(labels).Inc()
	r.httpRequestDuration.With(labels).Observe(durationSeconds)
	r.httpReqSizeLow.With(labels).Observe(reqSizeLow)
	if reqSizeHigh != nil {
		r.httpReqSizeHigh.With(labels).Observe(*reqSizeHigh)
	}
	r.httpResSizeLow.With(labels).Observe(resSizeLow)
	if resSizeHigh != nil {
		r.httpResSizeHigh.With(labels).Observe(*resSizeHigh)
	}
}

// SocketGuard tracks one open WebSocket tunnel's lifetime metrics. Obtain
// one from NewSocketGuard, defer Close, and call MessageSent/MessageReceived
// as frames cross the tunnel.
type SocketGuard struct {
	registry *Registry
	app      string
}

// NewSocketGuard increments the open-sockets gauge and returns a guard whose
// Close (call via defer) decrements it exactly once, even on panic.
func (r *Registry) NewSocketGuard(app string) *SocketGuard {
	r.socketClients.With(prometheus.Labels{"app": app}).Inc()
	return &SocketGuard{registry: r, app: app}
}

// Close decrements the open-sockets gauge. Safe to call via defer.
func (g *SocketGuard) Close() {
	g.registry.socketClients.With(prometheus.Labels{"app": g.app}).Dec()
}

// MessageSent records one server-to-client message of size bytes.
func (g *SocketGuard) MessageSent(size int) {
	labels := prometheus.Labels{"app": g.app}
	g.registry.socketMessageSent.With(labels).Inc()
	g.registry.socketMsgSentSize.With(labels).Observe(float64(size))
}

// MessageReceived records one client-to-server message of size bytes.
func (g *SocketGuard) MessageReceived(size int) {
	labels := prometheus.Labels{"app": g.app}
	g.registry.socketMessageRecv.With(labels).Inc()
	g.registry.socketMsgRecvSize.With(labels).Observe(float64(size))
}
