package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	apiRequestsTotal   *prometheus.CounterVec
	apiLatencySeconds  *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec
	pipelineRunsTotal  *prometheus.CounterVec
	pipelinePhaseTime  *prometheus.HistogramVec
	degradationsTotal  *prometheus.CounterVec
	trackerRecords     prometheus.Gauge
	pipelineRunsActive prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors for the HTTP surface and the assessment pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_api_requests_total",
			Help: "Total number of assessment API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessment_api_latency_seconds",
			Help:    "Latency distribution for assessment API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_api_errors_total",
			Help: "Total number of error responses returned by assessment endpoints.",
		}, []string{"method", "route", "status"})

		pipelineRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_pipeline_runs_total",
			Help: "Pipeline runs by outcome (completed, failed, coalesced).",
		}, []string{"outcome"})

		pipelinePhaseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assessment_pipeline_phase_seconds",
			Help:    "Time spent in each pipeline phase.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"phase"})

		degradationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_degradations_total",
			Help: "Extraction and scoring failures absorbed into degraded results.",
		}, []string{"kind"})

		trackerRecords = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessment_tracker_records",
			Help: "Processing records currently held by the in-memory tracker.",
		})

		pipelineRunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assessment_pipeline_runs_active",
			Help: "Pipeline runs currently executing.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			pipelineRunsTotal,
			pipelinePhaseTime,
			degradationsTotal,
			trackerRecords,
			pipelineRunsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// PipelineRuns exposes the pipeline outcome counter.
func PipelineRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return pipelineRunsTotal
}

// PipelinePhaseDuration exposes the per-phase latency histogram.
func PipelinePhaseDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return pipelinePhaseTime
}

// Degradations exposes the counter of absorbed extraction/scoring failures.
func Degradations() *prometheus.CounterVec {
	RegisterMetrics()
	return degradationsTotal
}

// TrackerRecords exposes the in-memory tracker size gauge.
func TrackerRecords() prometheus.Gauge {
	RegisterMetrics()
	return trackerRecords
}

// PipelineRunsActive exposes the gauge of executing runs.
func PipelineRunsActive() prometheus.Gauge {
	RegisterMetrics()
	return pipelineRunsActive
}
