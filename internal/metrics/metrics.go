// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Buffer manager
	BufferFetchesTotal  *prometheus.CounterVec // result=hit|miss
	BufferEvictionsTotal prometheus.Counter
	BufferPinnedPages   prometheus.Gauge
	BufferFlushDuration prometheus.Histogram

	// WAL
	WalAppendsTotal     prometheus.Counter
	WalBytesAppended    prometheus.Counter
	WalFlushDuration    prometheus.Histogram
	WalCurrentLSN       prometheus.Gauge
	WalSegmentRolls     prometheus.Counter

	// Transactions
	TxnBeginsTotal    *prometheus.CounterVec // isolation=read_committed|repeatable_read
	TxnCommitsTotal   prometheus.Counter
	TxnAbortsTotal    prometheus.Counter
	TxnActiveGauge    prometheus.Gauge

	// B-tree
	BtreeSplitsTotal  prometheus.Counter
	BtreeInsertsTotal prometheus.Counter

	// Heap
	HeapInsertsTotal prometheus.Counter
	HeapScansTotal   *prometheus.CounterVec // direction=forward|backward

	// Checkpoint
	CheckpointsTotal    prometheus.Counter
	CheckpointDuration  prometheus.Histogram
	RecoveryDuration    prometheus.Histogram

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.BufferFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "wiredb_buffer_fetches_total", Help: "Total buffer manager fetch calls"},
		[]string{"result"},
	)
	m.BufferEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_buffer_evictions_total", Help: "Total buffer frame evictions"},
	)
	m.BufferPinnedPages = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "wiredb_buffer_pinned_pages", Help: "Currently pinned buffer frames"},
	)
	m.BufferFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wiredb_buffer_flush_duration_seconds",
			Help:    "Duration of a single dirty page flush (WAL flush + disk write)",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.WalAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_wal_appends_total", Help: "Total WAL records appended"},
	)
	m.WalBytesAppended = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_wal_bytes_appended_total", Help: "Total bytes appended to the WAL"},
	)
	m.WalFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wiredb_wal_flush_duration_seconds",
			Help:    "Duration of WAL flush calls",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
	m.WalCurrentLSN = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "wiredb_wal_current_lsn", Help: "Current WAL append LSN"},
	)
	m.WalSegmentRolls = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_wal_segment_rolls_total", Help: "Total WAL segment rotations"},
	)

	m.TxnBeginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "wiredb_txn_begins_total", Help: "Total transactions started"},
		[]string{"isolation"},
	)
	m.TxnCommitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_txn_commits_total", Help: "Total transactions committed"},
	)
	m.TxnAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_txn_aborts_total", Help: "Total transactions aborted"},
	)
	m.TxnActiveGauge = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "wiredb_txn_active", Help: "Currently active (in-progress) transactions"},
	)

	m.BtreeSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_btree_splits_total", Help: "Total B-tree page splits"},
	)
	m.BtreeInsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_btree_inserts_total", Help: "Total B-tree index insertions"},
	)

	m.HeapInsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_heap_inserts_total", Help: "Total heap tuple insertions"},
	)
	m.HeapScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "wiredb_heap_scans_total", Help: "Total heap scans started"},
		[]string{"direction"},
	)

	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Name: "wiredb_checkpoints_total", Help: "Total checkpoints completed"},
	)
	m.CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wiredb_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint operations",
			Buckets: prometheus.DefBuckets,
		},
	)
	m.RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wiredb_recovery_duration_seconds",
			Help:    "Duration of crash recovery at startup",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{Name: "wiredb_uptime_seconds", Help: "Process uptime in seconds"},
	)

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}
