// Package metrics exposes the task manager pipeline's Prometheus
// instrumentation.
//
// Grounded on other_examples/manifests/SafeMPC-mpc-service/go.mod for the
// choice of github.com/prometheus/client_golang as this domain's metrics
// library; the metric set itself (queue depth, batch size, per-stage
// duration, error counts) is this package's own design per spec.md §5's
// observability needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of work items waiting in the task
	// manager's queue; an item leaves the count when the worker dequeues it.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "compute_party",
		Name:      "queue_depth",
		Help:      "Number of work items waiting in the task manager queue.",
	})

	// BatchSize records the flattened triple count processed per pipeline
	// run, bucketed around the enforced whitelist {1,2,4,64,128}.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "compute_party",
		Name:      "batch_size",
		Help:      "Flattened sample count per pipeline run.",
		Buckets:   []float64{1, 2, 4, 64, 128},
	})

	// StageDuration records wall-clock time spent in each named pipeline
	// stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "compute_party",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each task manager pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// ErrorsTotal counts terminal pipeline errors by kind (client,
	// integrity, infrastructure).
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compute_party",
		Name:      "errors_total",
		Help:      "Terminal pipeline errors by kind.",
	}, []string{"kind"})

	// AnalysesCompletedTotal counts successfully completed analyses.
	AnalysesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "compute_party",
		Name:      "analyses_completed_total",
		Help:      "Analyses that reached the Completed status.",
	})
)
