// Package metrics holds the pipeline's Prometheus collectors. Batch runs
// export them to a node_exporter textfile when metrics.textfile_path is set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage metrics
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyledger_stage_runs_total",
			Help: "Total number of stage invocations",
		},
		[]string{"stage", "status"}, // sync/scrape/reconcile/backfill, success/error
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polyledger_stage_duration_seconds",
			Help:    "Duration of stage invocations",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"stage"},
	)

	RecordsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyledger_records_added_total",
			Help: "Total number of records appended to a store",
		},
		[]string{"store"}, // markets, discovered, fills, trades
	)

	// Reconciler outcomes
	FillsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyledger_fills_skipped_total",
			Help: "Total number of events not turned into trades",
		},
		[]string{"reason"}, // malformed, unresolved, abandoned
	)

	// Progress
	CursorPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polyledger_cursor_position",
			Help: "Current stage cursor (catalog offset or unix timestamp)",
		},
		[]string{"stage"},
	)

	// Upstream metrics
	UpstreamPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polyledger_upstream_pages_total",
			Help: "Total number of pages fetched from an upstream source",
		},
		[]string{"source", "status"}, // gamma/goldsky, success/error
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polyledger_last_success_timestamp_seconds",
			Help: "Unix time of the last successful stage invocation",
		},
		[]string{"stage"},
	)
)

// RecordStage records the outcome of one stage invocation.
func RecordStage(stage string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		LastSuccess.WithLabelValues(stage).SetToCurrentTime()
	}
	StageRuns.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// RecordAdded records n rows appended to store.
func RecordAdded(store string, n int) {
	if n > 0 {
		RecordsAdded.WithLabelValues(store).Add(float64(n))
	}
}

// RecordSkipped records one event skipped by the reconciler.
func RecordSkipped(reason string) {
	FillsSkipped.WithLabelValues(reason).Inc()
}

// RecordCursor publishes a stage cursor.
func RecordCursor(stage string, position int64) {
	CursorPosition.WithLabelValues(stage).Set(float64(position))
}

// RecordPage records one upstream page fetch.
func RecordPage(source string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	UpstreamPages.WithLabelValues(source, status).Inc()
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, atomically.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
