// Package observability exposes broker metrics over prometheus.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's prometheus collectors behind one registry,
// so tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RetrievalsTotal    prometheus.Counter
	RetrievalDuration  prometheus.Histogram
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	ToolsIndexedTotal  prometheus.Counter
	EmbeddingFailures  prometheus.Counter
	UpstreamsConnected prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		RetrievalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dext_retrievals_total",
			Help: "Number of retrieval requests handled.",
		}),
		RetrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dext_retrieval_duration_seconds",
			Help:    "Latency of retrieval requests.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dext_executions_total",
			Help: "Number of executor dispatches by outcome.",
		}, []string{"outcome"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dext_execution_duration_seconds",
			Help:    "Latency of upstream tool executions.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		ToolsIndexedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dext_tools_indexed_total",
			Help: "Number of tools written to the vector index.",
		}),
		EmbeddingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dext_embedding_failures_total",
			Help: "Number of failed embedding requests.",
		}),
		UpstreamsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dext_upstreams_connected",
			Help: "Number of upstream servers currently connected.",
		}),
	}
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
