package analytics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics exposes the live snapshot as Prometheus gauges on a dedicated
// registry so the exposition surface stays limited to our own series.
type promMetrics struct {
	registry *prometheus.Registry

	responseTime prometheus.Gauge
	errorRate    prometheus.Gauge
	memoryUsage  prometheus.Gauge
	healthScore  prometheus.Gauge
	requestRate  prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		responseTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tappmcp",
				Name:      "response_time_seconds",
				Help:      "Rolling average tool response time.",
			},
		),
		errorRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tappmcp",
				Name:      "error_rate",
				Help:      "Rolling error rate as a fraction of requests.",
			},
		),
		memoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tappmcp",
				Name:      "memory_usage_ratio",
				Help:      "Host memory usage as a fraction of total.",
			},
		),
		healthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tappmcp",
				Name:      "health_score",
				Help:      "Composite health score from 0 to 100.",
			},
		),
		requestRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tappmcp",
				Name:      "request_rate",
				Help:      "Requests per second over the rolling window.",
			},
		),
	}

	m.registry.MustRegister(
		m.responseTime,
		m.errorRate,
		m.memoryUsage,
		m.healthScore,
		m.requestRate,
	)
	return m
}

func (m *promMetrics) update(live *LiveMetrics) {
	m.responseTime.Set(live.AvgResponseTimeMs / 1000)
	m.errorRate.Set(live.ErrorRate)
	m.memoryUsage.Set(live.MemoryUsagePct / 100)
	m.healthScore.Set(float64(live.HealthScore))
	m.requestRate.Set(live.RequestRate)
}

// Handler serves the text exposition format for this registry.
func (m *promMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
