// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APICallsTotal counts page requests by endpoint role and outcome.
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangalake_api_calls_total",
			Help: "Total page requests issued to the manga API",
		},
		[]string{"endpoint", "status"}, // endpoint=primary/fallback, status=success/retriable/terminal
	)

	// PagesFetchedTotal counts pages that yielded records.
	PagesFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mangalake_pages_fetched_total",
			Help: "Total non-empty pages fetched",
		},
	)

	// RecordsFetchedTotal counts raw records yielded by the fetcher.
	RecordsFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mangalake_records_fetched_total",
			Help: "Total raw records fetched from the API",
		},
	)

	// RecordsSkippedTotal counts records dropped per stage with a reason.
	RecordsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangalake_records_skipped_total",
			Help: "Total records skipped, by stage and reason",
		},
		[]string{"stage", "reason"}, // reason=serialize/parse/missing_id
	)

	// LandingFilesWrittenTotal counts landing objects written.
	LandingFilesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mangalake_landing_files_written_total",
			Help: "Total landing files written to object storage",
		},
	)

	// RecordsUpsertedTotal counts fact-table merge outcomes.
	RecordsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangalake_records_upserted_total",
			Help: "Total fact-table rows written by merge outcome",
		},
		[]string{"outcome"}, // inserted/updated
	)

	// StageDurationSeconds measures wall-clock time per stage execution.
	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mangalake_stage_duration_seconds",
			Help:    "Duration of pipeline stage executions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"stage", "status"},
	)
)
