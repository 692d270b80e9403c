package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	rateLimitRejections *prometheus.CounterVec
	rateLimitFallbacks  prometheus.Counter
	broadcastsTotal     prometheus.Counter
	broadcastsDropped   prometheus.Counter
	wsConnections       prometheus.Gauge
	registerOnce        sync.Once
)

// Register initializes Prometheus metrics on the default registry.
func Register() {
	registerOnce.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed by the poll API.",
		}, []string{"method", "path", "status"})

		breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "livepoll",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open).",
		}, []string{"name"})

		rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate governor, per action class.",
		}, []string{"class"})

		rateLimitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "rate_limit_fallbacks_total",
			Help:      "Rate decisions served by the in-process fallback limiter.",
		})

		broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "broadcasts_published_total",
			Help:      "Domain events published to the broadcast channel.",
		})

		broadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "broadcasts_dropped_total",
			Help:      "Domain events dropped because the pub/sub link was unavailable.",
		})

		wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "livepoll",
			Name:      "ws_connections",
			Help:      "Currently attached WebSocket connections.",
		})
	})
}

// IncRequest increments the http_requests_total counter with the given labels.
func IncRequest(method, path string, status int) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func SetBreakerState(name string, state int) {
	if breakerState == nil {
		return
	}
	breakerState.WithLabelValues(name).Set(float64(state))
}

func IncRateLimitRejection(class string) {
	if rateLimitRejections == nil {
		return
	}
	rateLimitRejections.WithLabelValues(class).Inc()
}

func IncRateLimitFallback() {
	if rateLimitFallbacks == nil {
		return
	}
	rateLimitFallbacks.Inc()
}

func IncBroadcast(dropped bool) {
	if broadcastsTotal == nil {
		return
	}
	broadcastsTotal.Inc()
	if dropped {
		broadcastsDropped.Inc()
	}
}

func AddWSConnection(delta int) {
	if wsConnections == nil {
		return
	}
	wsConnections.Add(float64(delta))
}
