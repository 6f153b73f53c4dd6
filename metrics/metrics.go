// Package metrics defines the Prometheus collectors of the rdb store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of store metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Hit    = "hit"
	Miss   = "miss"
	Stale  = "stale"
	Absent = "absent"

	Append      = "append"
	Rewrite     = "rewrite"
	BatchAppend = "batch_append"
	Insert      = "insert"
	Delete      = "delete"
	Select      = "select"
	Revalidate  = "revalidate"

	Periodic  = "periodic"
	DeltaSize = "delta_size"
	Overflow  = "overflow"
)

// Collectors of the rdb store.
var (
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdbstore_cache_requests_total",
		Help: "Cumulative number of document cache lookups, by outcome.",
	}, []string{"outcome"})

	UpdateRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdbstore_update_retries_total",
		Help: "Cumulative number of conditional update attempts retried after a modcount mismatch.",
	})
	UpdateConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdbstore_update_conflicts_total",
		Help: "Cumulative number of updates which exhausted their retry budget.",
	})

	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdbstore_writes_total",
		Help: "Cumulative number of row writes, by kind and status.",
	}, []string{"kind", "status"})

	RewriteFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdbstore_rewrite_fallbacks_total",
		Help: "Cumulative number of appendable updates written as a full rewrite, by reason.",
	}, []string{"reason"})

	OverflowWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdbstore_overflow_writes_total",
		Help: "Cumulative number of documents written to the BDATA column, by codec.",
	}, []string{"codec"})

	OverflowBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdbstore_overflow_bytes_total",
		Help: "Cumulative number of compressed bytes written to the BDATA column.",
	})

	StatementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rdbstore_statement_duration_seconds",
		Help:    "Duration of store statements in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
	}, []string{"statement", "status"})
)
