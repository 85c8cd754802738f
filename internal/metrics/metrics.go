package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmiddleware "github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"sketchStudio/internal/models"
)

// Metrics holds the task collectors of one service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted        *prometheus.CounterVec
	triggerFailures  *prometheus.CounterVec
	finished         *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_tasks_submitted_total",
			Help: "Tasks accepted by the submission endpoint.",
		}, []string{"family"}),
		triggerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_trigger_failures_total",
			Help: "Worker triggers that failed after the task was persisted.",
		}, []string{"family"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"family", "status"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sketch_pipeline_duration_seconds",
			Help:    "Wall time of worker pipelines.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"family"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted,
		m.triggerFailures,
		m.finished,
		m.pipelineDuration,
	)
	return m
}

func (m *Metrics) TaskSubmitted(family models.Family) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) TriggerFailed(family models.Family) {
	if m == nil {
		return
	}
	m.triggerFailures.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) TaskFinished(family models.Family, status models.TaskStatus) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(family), string(status)).Inc()
}

func (m *Metrics) ObservePipeline(family models.Family, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.WithLabelValues(string(family)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware records request count, latency and size per route.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	mdlw := httpmiddleware.New(httpmiddleware.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: m.registry}),
	})
	return std.HandlerProvider("", mdlw)
}
