// Package metrics exposes Prometheus collectors for the grouping pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grouper"

// Registry holds every collector served on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// MatchOutcomes counts project detection outcomes (matched, created, rejected).
	MatchOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_outcomes_total",
		Help:      "Project detection outcomes.",
	}, []string{"outcome"})

	// Extractions counts entity extraction results (ok, parse_error, call_error, cached).
	Extractions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractions_total",
		Help:      "Entity extraction results.",
	}, []string{"result"})

	// SimilarityStages counts which stage produced a similarity verdict.
	SimilarityStages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "similarity_stage_total",
		Help:      "Similarity verdicts by producing stage.",
	}, []string{"source"})

	// ScanItems counts mailbox scan items by result (processed, failed, skipped).
	ScanItems = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_items_total",
		Help:      "Mailbox scan items.",
	}, []string{"result"})

	// GroupsFlagged counts batch groups by review flag.
	GroupsFlagged = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "groups_flagged_total",
		Help:      "Batch groups carrying a review flag.",
	}, []string{"flag"})

	// ModelLatency observes model provider call latency.
	ModelLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_request_duration_seconds",
		Help:      "Model provider call latency.",
		Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16, 32},
	}, []string{"purpose", "status"})

	// JobsProcessed counts worker jobs by type and result.
	JobsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker jobs by type and result.",
	}, []string{"type", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveModel records one model call.
func ObserveModel(purpose string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ModelLatency.WithLabelValues(purpose, status).Observe(time.Since(started).Seconds())
}
