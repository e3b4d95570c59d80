// Package telemetry exposes the pipeline's prometheus metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrument set for the question pipeline.
type Metrics struct {
	QuestionsTotal   *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	StageDuration    *prometheus.HistogramVec
	ResponseDuration prometheus.Histogram
}

// New registers the pipeline metrics with the given registerer (the default
// registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		QuestionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathlight_questions_total",
			Help: "Questions received, by classified intent.",
		}, []string{"intent"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathlight_governance_decisions_total",
			Help: "Governance decisions, by action.",
		}, []string{"action"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathlight_escalations_total",
			Help: "Escalations created, by reason.",
		}, []string{"reason"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathlight_pipeline_retries_total",
			Help: "Pipeline retries after a retryable governance decision.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pathlight_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ResponseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pathlight_response_duration_seconds",
			Help:    "End to end question handling duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.QuestionsTotal, m.DecisionsTotal, m.EscalationsTotal,
		m.RetriesTotal, m.StageDuration, m.ResponseDuration)
	return m
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStage records one stage timing.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
