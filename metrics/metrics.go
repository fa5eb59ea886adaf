package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the pipeline reports. Labels are stage names, error kinds
// and receipt outcomes, all low cardinality.
type Recorder interface {
	IncBuild(result string)
	IncStageFailure(stage, kind string)
	ObserveStage(stage string, seconds float64)

	IncSubmission(status string)
	IncReceipt(outcome string)
	IncRebuild()
}

// PipelineMetrics contains instrumented metrics for the UserOperation pipeline
type PipelineMetrics struct {
	numBuilds        *prometheus.CounterVec
	numStageFailures *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec

	numSubmissions *prometheus.CounterVec
	numReceipts    *prometheus.CounterVec
	numRebuilds    prometheus.Counter
}

var _ Recorder = (*PipelineMetrics)(nil)

const namespace = "userop"

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	return &PipelineMetrics{
		numBuilds: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "The number of builds that finished, by result (ready or failed)",
			}, []string{"result"}),

		numStageFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "The number of builds that failed, by the stage they failed in and the error kind",
			}, []string{"stage", "kind"}),

		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each build stage",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"stage"}),

		numSubmissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "The number of eth_sendUserOperation calls, by status (accepted, rejected or stale)",
			}, []string{"status"}),

		numReceipts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receipts_total",
				Help:      "The number of receipt waits, by outcome. A rising timeout count means the bundler is slow to include operations",
			}, []string{"outcome"}),

		numRebuilds: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_nonce_rebuilds_total",
				Help:      "The number of builds restarted with a fresh nonce after the claimed one went stale",
			}),
	}
}

func (m *PipelineMetrics) IncBuild(result string) {
	m.numBuilds.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) IncStageFailure(stage, kind string) {
	if kind == "" {
		kind = "unclassified"
	}
	m.numStageFailures.WithLabelValues(stage, kind).Inc()
}

func (m *PipelineMetrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *PipelineMetrics) IncSubmission(status string) {
	m.numSubmissions.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) IncReceipt(outcome string) {
	m.numReceipts.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncRebuild() {
	m.numRebuilds.Inc()
}
