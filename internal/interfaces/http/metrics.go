package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds all Prometheus metrics for the venue. Every vec
// registers against a private registry so tests can build as many
// instances as they like.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	// Matching engine
	ordersPlaced   *prometheus.CounterVec
	tradesExecuted prometheus.Counter

	// Biome market
	biomeTrades *prometheus.CounterVec

	// Stream fabric
	WSConnections prometheus.Gauge
	StreamDropped *prometheus.CounterVec
}

// NewMetricsRegistry creates and registers the venue metrics.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "biomex_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"route"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biomex_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biomex_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by bucket",
			},
			[]string{"bucket"},
		),
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biomex_orders_placed_total",
				Help: "Orders accepted by the matching engine, by final status",
			},
			[]string{"status"},
		),
		tradesExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biomex_trades_executed_total",
				Help: "Executions produced by the matching engine",
			},
		),
		biomeTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biomex_biome_trades_total",
				Help: "Biome share trades by operation",
			},
			[]string{"op"},
		),
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "biomex_ws_connections",
				Help: "Currently attached websocket connections",
			},
		),
		StreamDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biomex_stream_dropped_total",
				Help: "Events dropped for slow stream consumers, by channel",
			},
			[]string{"channel"},
		),
	}

	m.registry.MustRegister(
		m.RequestDuration, m.RequestsTotal, m.RateLimited,
		m.ordersPlaced, m.tradesExecuted, m.biomeTrades,
		m.WSConnections, m.StreamDropped,
	)
	return m
}

// OrderPlaced records an accepted order by its post-matching status.
func (m *MetricsRegistry) OrderPlaced(status string) {
	m.ordersPlaced.WithLabelValues(status).Inc()
}

// TradesExecuted records executions produced by one matching pass.
func (m *MetricsRegistry) TradesExecuted(n int) {
	if n > 0 {
		m.tradesExecuted.Add(float64(n))
	}
}

// BiomeTrade records a biome share buy or sell.
func (m *MetricsRegistry) BiomeTrade(op string) {
	m.biomeTrades.WithLabelValues(op).Inc()
}

// Handler exposes the registry for the /metrics route.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CounterValue reads a labelled counter back out; tests use it to assert
// on recorded traffic.
func CounterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
