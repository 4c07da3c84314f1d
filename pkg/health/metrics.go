package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core's Prometheus instruments on a dedicated registry,
// avoiding collisions with other instrumented libraries in the process.
// Naming convention: steward_<subsystem>_<name>_<unit>.
type Metrics struct {
	registry *prometheus.Registry

	HealthScore prometheus.Gauge
	CPUPct      prometheus.Gauge
	MemBytes    prometheus.Gauge

	BusQueueDepth      *prometheus.GaugeVec
	BusDroppedTotal    prometheus.Counter
	ExecutorQueueDepth *prometheus.GaugeVec

	ErrorsTotal *prometheus.CounterVec

	DecisionLatency prometheus.Histogram

	Threshold *prometheus.GaugeVec

	ImprovementCandidates *prometheus.GaugeVec
}

// NewMetrics registers every instrument on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_health_score",
			Help: "Composite health score in [0,1]; min of the sub-scores.",
		}),
		CPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_resource_cpu_pct",
			Help: "Host CPU utilisation percentage.",
		}),
		MemBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_resource_mem_bytes",
			Help: "Host memory in use.",
		}),

		BusQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_bus_queue_depth",
			Help: "Queued events per bus topic.",
		}, []string{"topic"}),
		BusDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_bus_dropped_total",
			Help: "Telemetry events shed by full subscriber queues.",
		}),
		ExecutorQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_executor_queue_depth",
			Help: "Waiting requests per executor lane.",
		}, []string{"lane"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_errors_total",
			Help: "Structured error events per component.",
		}, []string{"component"}),

		DecisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_decision_latency_seconds",
			Help:    "Decision creation-to-recording latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		Threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_confidence_threshold",
			Help: "Current required confidence per decision level.",
		}, []string{"level"}),

		ImprovementCandidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_improvement_candidates",
			Help: "Live improvement candidates per state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.HealthScore, m.CPUPct, m.MemBytes,
		m.BusQueueDepth, m.BusDroppedTotal, m.ExecutorQueueDepth,
		m.ErrorsTotal, m.DecisionLatency, m.Threshold, m.ImprovementCandidates,
	)
	return m
}

// Registry exposes the registry for the ops API's /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
