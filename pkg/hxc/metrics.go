package hxc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowbound/hxc/internal/engine"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "hxc_requests_total", Help: "Total number of requests served"},
		[]string{"method", "path", "status"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Name: "hxc_request_duration_seconds", Help: "Request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)
	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "hxc_requests_in_flight", Help: "Current number of requests being served"},
	)
	responseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Name: "hxc_response_size_bytes", Help: "Response size in bytes", Buckets: []float64{100, 1000, 10000, 100000, 1000000}},
		[]string{"method", "path", "status"},
	)
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "hxc_active_connections", Help: "Current number of open sessions"},
	)
	ingressErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "hxc_ingress_errors_total", Help: "Total ingress errors by kind"},
		[]string{"kind"},
	)
	pingRTT = promauto.NewHistogram(
		prometheus.HistogramOpts{Name: "hxc_ping_round_trip_seconds", Help: "Observed ping round-trip latency"},
	)
	pingRepliesWritten = promauto.NewCounter(
		prometheus.CounterOpts{Name: "hxc_ping_replies_written_total", Help: "Total pong frames confirmed flushed to the wire"},
	)
)

// PrometheusConfig configures the request-metrics middleware.
type PrometheusConfig struct {
	SkipPaths []string
}

// DefaultPrometheusConfig skips the /metrics endpoint itself.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{SkipPaths: []string{"/metrics"}}
}

// Prometheus returns a middleware collecting per-request Prometheus metrics.
func Prometheus() Middleware { return PrometheusWithConfig(DefaultPrometheusConfig()) }

// PrometheusWithConfig is Prometheus with a custom skip-path set.
func PrometheusWithConfig(cfg PrometheusConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}
			start := time.Now()
			requestsInFlight.Inc()
			defer requestsInFlight.Dec()

			err := next.Serve(ctx)

			status := strconv.Itoa(ctx.Status())
			method, path := ctx.Method(), ctx.Path()
			requestsTotal.WithLabelValues(method, path, status).Inc()
			requestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
			responseSize.WithLabelValues(method, path, status).Observe(float64(ctx.responseBody.Len()))
			return err
		})
	}
}

// sessionInfoCallback reports per-session lifecycle events as Prometheus
// metrics; install one per session via engine.NewSession's info parameter.
type sessionInfoCallback struct {
	engine.InfoCallbackBase
}

// NewSessionInfoCallback constructs an engine.InfoCallback that feeds the
// package-level Prometheus collectors.
func NewSessionInfoCallback() engine.InfoCallback { return &sessionInfoCallback{} }

func (m *sessionInfoCallback) OnCreate()  { activeConnections.Inc() }
func (m *sessionInfoCallback) OnDestroy() { activeConnections.Dec() }

func (m *sessionInfoCallback) OnIngressError(err error, kind engine.ErrorKind) {
	ingressErrorsTotal.WithLabelValues(kindLabel(kind)).Inc()
}

func (m *sessionInfoCallback) OnPingReply(latencyNs int64) {
	pingRTT.Observe(float64(latencyNs) / 1e9)
}

func (m *sessionInfoCallback) OnPingReplyWritten(id uint64) {
	pingRepliesWritten.Inc()
}

func kindLabel(kind engine.ErrorKind) string {
	switch kind {
	case engine.ErrKindParse:
		return "parse"
	case engine.ErrKindTransport:
		return "transport"
	case engine.ErrKindTimeout:
		return "timeout"
	case engine.ErrKindFlowControl:
		return "flow_control"
	case engine.ErrKindProtocol:
		return "protocol"
	case engine.ErrKindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}
