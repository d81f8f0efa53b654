// Package metrics exposes Prometheus instrumentation for the gating layer.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdmissionDecisions counts usage-gate outcomes per tool. The reason
	// label is empty for allowed requests.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpulse_admission_decisions_total",
		Help: "Usage gate decisions by tool, outcome, and denial reason.",
	}, []string{"tool", "outcome", "reason"})

	// WebhookEvents counts processed billing webhook deliveries.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postpulse_webhook_events_total",
		Help: "Billing webhook deliveries by event name and outcome.",
	}, []string{"event", "outcome"})

	// LLMFailures counts upstream LLM call failures.
	LLMFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "postpulse_llm_failures_total",
		Help: "Upstream LLM provider call failures.",
	})

	// GenerationDuration tracks end-to-end generation latency per tool.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postpulse_generation_duration_seconds",
		Help:    "End-to-end generation latency per tool.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)

// Handler returns the Prometheus scrape endpoint as a Gin handler.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
