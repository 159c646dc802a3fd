// Package observability groups the Prometheus instruments and the
// rolling per-worker latency window the scheduler and monitor server
// report through.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the coordinator.
type Metrics struct {
	JobsDispatched  *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	WorkersReady    prometheus.Gauge
	JobsInFlight    prometheus.Gauge
	JobDuration     prometheus.Histogram
	VoiceRefUploads *prometheus.CounterVec
	latencyWindow   *workerLatencyWindow
}

// NewMetrics builds every instrument under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		JobsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs dispatched to a worker, by worker name.",
		}, []string{"worker"}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status, by worker and status.",
		}, []string{"worker", "status"}),
		JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Jobs re-queued after a retryable failure, by worker.",
		}, []string{"worker"}),
		WorkersReady: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_ready",
			Help:      "Number of workers currently reporting ready.",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently dispatched and awaiting a result.",
		}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_ms",
			Help:      "Completed job synthesis duration in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 5000, 10000, 20000, 30000, 60000, 120000, 300000},
		}),
		VoiceRefUploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_ref_uploads_total",
			Help:      "Voice reference asset uploads, by worker.",
		}, []string{"worker"}),
		latencyWindow: newWorkerLatencyWindow(256),
	}
}

// ObserveDispatch records a job handed off to a worker.
func (m *Metrics) ObserveDispatch(worker string) {
	if m == nil || m.JobsDispatched == nil {
		return
	}
	m.JobsDispatched.WithLabelValues(worker).Inc()
}

// ObserveCompletion records a terminal result and, for completed jobs,
// folds the duration into both the Prometheus histogram and the
// rolling per-worker latency window.
func (m *Metrics) ObserveCompletion(worker, status string, d time.Duration) {
	if m == nil {
		return
	}
	if m.JobsCompleted != nil {
		m.JobsCompleted.WithLabelValues(worker, status).Inc()
	}
	if d <= 0 || status != "completed" {
		return
	}
	ms := float64(d.Milliseconds())
	if m.JobDuration != nil {
		m.JobDuration.Observe(ms)
	}
	if m.latencyWindow != nil {
		m.latencyWindow.Observe(worker, ms)
	}
}

// ObserveRetry records a job being re-queued after a retryable
// failure.
func (m *Metrics) ObserveRetry(worker string) {
	if m == nil || m.JobsRetried == nil {
		return
	}
	m.JobsRetried.WithLabelValues(worker).Inc()
}

// ObserveVoiceRefUpload records a voice asset upload to a worker.
func (m *Metrics) ObserveVoiceRefUpload(worker string) {
	if m == nil || m.VoiceRefUploads == nil {
		return
	}
	m.VoiceRefUploads.WithLabelValues(worker).Inc()
}

// SetWorkersReady sets the current ready-worker gauge.
func (m *Metrics) SetWorkersReady(n int) {
	if m == nil || m.WorkersReady == nil {
		return
	}
	m.WorkersReady.Set(float64(n))
}

// SetJobsInFlight sets the current in-flight gauge.
func (m *Metrics) SetJobsInFlight(n int) {
	if m == nil || m.JobsInFlight == nil {
		return
	}
	m.JobsInFlight.Set(float64(n))
}

// SnapshotWorkerLatency returns the current rolling per-worker latency
// view for the monitor dashboard.
func (m *Metrics) SnapshotWorkerLatency() WorkerLatencySnapshot {
	if m == nil || m.latencyWindow == nil {
		return WorkerLatencySnapshot{}
	}
	return m.latencyWindow.Snapshot()
}

// ResetWorkerLatency clears the rolling latency window, e.g. between
// conversion runs.
func (m *Metrics) ResetWorkerLatency() {
	if m == nil || m.latencyWindow == nil {
		return
	}
	m.latencyWindow.Reset()
}

// MetricsHandler exposes the registered instruments for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
