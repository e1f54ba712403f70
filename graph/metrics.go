package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics records engine metrics under the "durable_graph"
// namespace. A nil *PrometheusMetrics is valid and records nothing.
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightNodes   prometheus.Gauge
	nodeLatency     *prometheus.HistogramVec
	supersteps      prometheus.Counter
	interrupts      *prometheus.CounterVec
	resumes         *prometheus.CounterVec
	checkpointSave  prometheus.Histogram
	checkpointFails prometheus.Counter
	executionErrors *prometheus.CounterVec
}

// NewPrometheusMetrics registers the metrics with registry, or with the
// default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	buckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

	return &PrometheusMetrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "durable_graph",
			Name:      "inflight_nodes",
			Help:      "Computation nodes currently executing",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "durable_graph",
			Name:      "node_latency_ms",
			Help:      "Computation node duration in milliseconds",
			Buckets:   buckets,
		}, []string{"node_id", "status"}),
		supersteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "durable_graph",
			Name:      "supersteps_total",
			Help:      "Supersteps completed and checkpointed",
		}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable_graph",
			Name:      "interrupts_total",
			Help:      "Threads paused before a human node",
		}, []string{"node_id"}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable_graph",
			Name:      "resumes_total",
			Help:      "Human inputs accepted by Resume",
		}, []string{"node_id"}),
		checkpointSave: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durable_graph",
			Name:      "checkpoint_save_ms",
			Help:      "Checkpoint save duration in milliseconds",
			Buckets:   buckets,
		}),
		checkpointFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "durable_graph",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint saves that failed",
		}),
		executionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durable_graph",
			Name:      "execution_errors_total",
			Help:      "Supersteps aborted by a node",
		}, []string{"node_id"}),
	}
}

func (pm *PrometheusMetrics) nodeStarted() {
	if pm == nil {
		return
	}
	pm.inflightNodes.Inc()
}

func (pm *PrometheusMetrics) nodeFinished(nodeID string, d time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.inflightNodes.Dec()
	pm.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) superstepDone() {
	if pm == nil {
		return
	}
	pm.supersteps.Inc()
}

func (pm *PrometheusMetrics) interrupted(nodeID string) {
	if pm == nil {
		return
	}
	pm.interrupts.WithLabelValues(nodeID).Inc()
}

func (pm *PrometheusMetrics) resumed(nodeID string) {
	if pm == nil {
		return
	}
	pm.resumes.WithLabelValues(nodeID).Inc()
}

func (pm *PrometheusMetrics) checkpointSaved(d time.Duration, err error) {
	if pm == nil {
		return
	}
	if err != nil {
		pm.checkpointFails.Inc()
		return
	}
	pm.checkpointSave.Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) executionFailed(nodeID string) {
	if pm == nil {
		return
	}
	pm.executionErrors.WithLabelValues(nodeID).Inc()
}
