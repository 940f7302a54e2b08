// Package metrics records assessment engine metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine events.
type Recorder interface {
	ObserveTurn(stage, outcome string)
	ObserveProviderRequest(model, status string, promptTokens, completionTokens int, duration time.Duration)
	ObserveStageTransition(from, to string)
	IncPersistenceFailure(backend string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveTurn(string, string)                                     {}
func (Nop) ObserveProviderRequest(string, string, int, int, time.Duration) {}
func (Nop) ObserveStageTransition(string, string)                          {}
func (Nop) IncPersistenceFailure(string)                                   {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	turnsTotal          *prometheus.CounterVec
	providerRequests    *prometheus.CounterVec
	providerTokens      *prometheus.CounterVec
	providerDuration    *prometheus.HistogramVec
	stageTransitions    *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

// NewPrometheusRecorder registers the engine metrics on reg.
// A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdn_turns_total",
				Help: "Conversation turns handled, by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		providerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdn_provider_requests_total",
				Help: "Model provider requests by model and status",
			},
			[]string{"model", "status"},
		),
		providerTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdn_provider_tokens_total",
				Help: "Tokens reported by the model provider",
			},
			[]string{"model", "type"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdn_provider_request_duration_seconds",
				Help:    "Duration of model provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		stageTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdn_stage_transitions_total",
				Help: "Stage changes by previous and next stage",
			},
			[]string{"from", "to"},
		),
		persistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdn_persistence_failures_total",
				Help: "Snapshot writes that failed, by storage backend",
			},
			[]string{"backend"},
		),
	}
}

// ObserveTurn counts a finished turn.
func (p *PrometheusRecorder) ObserveTurn(stage, outcome string) {
	p.turnsTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveProviderRequest records one provider call.
func (p *PrometheusRecorder) ObserveProviderRequest(model, status string, promptTokens, completionTokens int, duration time.Duration) {
	p.providerRequests.WithLabelValues(model, status).Inc()
	if status == "success" {
		p.providerTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		p.providerTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	p.providerDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveStageTransition counts a stage change.
func (p *PrometheusRecorder) ObserveStageTransition(from, to string) {
	p.stageTransitions.WithLabelValues(from, to).Inc()
}

// IncPersistenceFailure counts a failed snapshot write.
func (p *PrometheusRecorder) IncPersistenceFailure(backend string) {
	p.persistenceFailures.WithLabelValues(backend).Inc()
}
