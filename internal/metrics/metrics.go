// Package metrics exposes Prometheus collectors for the inference service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsTotal counts finished generation jobs by mode and outcome.
	// Outcome is "success" or the stable error code.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wan",
		Name:      "generations_total",
		Help:      "Finished generation jobs by mode and outcome.",
	}, []string{"mode", "outcome"})

	// GenerationDuration observes wall-clock generation time in seconds.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wan",
		Name:      "generation_duration_seconds",
		Help:      "Wall-clock duration of pipeline generation calls.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68min
	}, []string{"mode", "resolution"})

	// PipelineLoadsTotal counts pipeline loads by key and result.
	PipelineLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wan",
		Name:      "pipeline_loads_total",
		Help:      "Pipeline weight loads by key and result.",
	}, []string{"key", "result"})

	// PipelineEvictionsTotal counts pipeline evictions by key.
	PipelineEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wan",
		Name:      "pipeline_evictions_total",
		Help:      "Pipelines evicted from the resident cache.",
	}, []string{"key"})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wan",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook envelope deliveries by result.",
	}, []string{"result"})
)
