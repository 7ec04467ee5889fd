// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision labels for gateway requests.
const (
	DecisionIndex     = "index"
	DecisionRedirect  = "redirect"
	DecisionArchive   = "archive"
	DecisionWellKnown = "well_known"
	DecisionNotFound  = "not_found"
	DecisionTunnel    = "tunnel"
	DecisionError     = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	gatewayRequestsTotal       *prometheus.CounterVec
	gatewayRequestDuration     *prometheus.HistogramVec
	openRateLimitDelaySeconds  prometheus.Histogram
	resolveTotal               *prometheus.CounterVec
	tunnelsActive              prometheus.Gauge
	tunnelBytesTotal           *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of admin HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		gatewayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Gateway requests labeled by routing decision and status code.",
			},
			[]string{"decision", "code"},
		)

		gatewayRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Gateway request latency labeled by routing decision.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5, 10},
			},
			[]string{"decision"},
		)

		openRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_open_rate_limit_delay_seconds",
				Help:    "Time archive opens spent waiting for the open-rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		resolveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_resolve_total",
				Help: "Address resolutions labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		tunnelsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_replication_tunnels_active",
				Help: "Replication tunnels currently spliced.",
			},
		)

		tunnelBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_replication_tunnel_bytes_total",
				Help: "Bytes carried by replication tunnels labeled by direction.",
			},
			[]string{"direction"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveGatewayRequest records a gateway request by routing decision.
func ObserveGatewayRequest(decision string, code int, duration time.Duration) {
	Init()
	gatewayRequestsTotal.WithLabelValues(decision, strconv.Itoa(code)).Inc()
	gatewayRequestDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// ObserveOpenRateLimitDelay records how long an open waited for a token.
func ObserveOpenRateLimitDelay(duration time.Duration) {
	Init()
	openRateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveResolve records a name resolution outcome.
func ObserveResolve(source, result string) {
	Init()
	resolveTotal.WithLabelValues(source, result).Inc()
}

// IncTunnels increments the active tunnel gauge.
func IncTunnels() {
	Init()
	tunnelsActive.Inc()
}

// DecTunnels decrements the active tunnel gauge.
func DecTunnels() {
	Init()
	tunnelsActive.Dec()
}

// AddTunnelBytes records bytes moved in one direction ("in" or "out").
func AddTunnelBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	tunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
}
