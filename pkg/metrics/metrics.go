// Package metrics defines the Prometheus collectors shared by the taxilake
// pipeline components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_rows_ingested_total",
		Help: "Rows loaded into the raw layer, by batch outcome.",
	}, []string{"batch_id"})

	materializationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_materialization_runs_total",
		Help: "Incremental materialization runs, by model, strategy and result.",
	}, []string{"model", "strategy", "result"})

	materializationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxilake_materialization_duration_seconds",
		Help:    "Duration of incremental materialization runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"model", "strategy"})

	warehouseQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_warehouse_queries_total",
		Help: "Warehouse statements executed, by result.",
	}, []string{"result"})

	warehouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxilake_warehouse_query_duration_seconds",
		Help:    "Duration of warehouse statements.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	verifierMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxilake_verifier_mismatches_total",
		Help: "Consistency verifier mismatched rows, by batch and kind.",
	}, []string{"batch_id", "kind"})

	partitionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxilake_partitions_created_total",
		Help: "Month partitions created on demand.",
	})

	rowsRehomed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxilake_rows_rehomed_total",
		Help: "Rows moved out of the default partition into a month partition.",
	})
)

// RecordRowsIngested adds n to the raw-layer ingest counter for a batch.
func RecordRowsIngested(batchID string, n int64) {
	rowsIngested.WithLabelValues(batchID).Add(float64(n))
}

// RecordMaterialization records one strategy run and its duration.
func RecordMaterialization(model, strategy string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	materializationRuns.WithLabelValues(model, strategy, result).Inc()
	materializationDuration.WithLabelValues(model, strategy).Observe(d.Seconds())
}

// RecordWarehouseQuery records one statement execution.
func RecordWarehouseQuery(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	warehouseQueries.WithLabelValues(result).Inc()
	warehouseQueryDuration.Observe(d.Seconds())
}

// RecordVerifierMismatch records missing/extra fingerprints found for a batch.
func RecordVerifierMismatch(batchID string, missing, extra int) {
	if missing > 0 {
		verifierMismatches.WithLabelValues(batchID, "missing").Add(float64(missing))
	}
	if extra > 0 {
		verifierMismatches.WithLabelValues(batchID, "extra").Add(float64(extra))
	}
}

// RecordPartitionCreated increments the on-demand partition counter.
func RecordPartitionCreated() {
	partitionsCreated.Inc()
}

// RecordRowsRehomed adds n to the default-partition re-home counter.
func RecordRowsRehomed(n int64) {
	rowsRehomed.Add(float64(n))
}
