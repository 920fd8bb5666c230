// Package metrics exposes Prometheus counters for pipeline runs, indexing,
// scheduled tasks, and live hub connections. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitewalk"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry      *prometheus.Registry
	pipelineRuns  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	chunks        *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks processed by the indexer, by result.",
		}, []string{"result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_task_runs_total",
			Help:      "Scheduled task ticks by task and outcome.",
		}, []string{"task", "outcome"}),
	}
	m.registry.MustRegister(
		m.pipelineRuns, m.stageDuration, m.chunks, m.taskRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterHubConnections exports count as the live connection gauge.
func (m *Metrics) RegisterHubConnections(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_connections",
		Help:      "Currently registered real-time connections.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished counts one pipeline run ending in outcome ("complete" or "error").
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ChunksIndexed counts embedded and failed chunks.
func (m *Metrics) ChunksIndexed(embedded, failed int) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues("embedded").Add(float64(embedded))
	m.chunks.WithLabelValues("failed").Add(float64(failed))
}

// TaskRun counts one scheduler tick for task ending in outcome ("ok",
// "error", or "skipped").
func (m *Metrics) TaskRun(task, outcome string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, outcome).Inc()
}
