package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RaftIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "is_leader",
		Help:      "Whether this node is the Raft leader (1=leader, 0=follower)",
	})

	RaftTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current Raft term",
	})

	RaftCommitIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Current Raft commit index",
	})

	RaftAppliedIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last applied Raft index",
	})

	RaftSnapshotIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "snapshot_index",
		Help:      "Snapshot watermark index",
	})

	RaftPeersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "peers_total",
		Help:      "Number of known peer nodes",
	})

	RaftPeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "peers_connected",
		Help:      "Number of peers in the CONNECTED state",
	})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Total Raft messages sent/received",
	}, []string{"direction", "type"})

	RaftMessageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "raft",
		Name:      "message_errors_total",
		Help:      "Total Raft message send errors",
	}, []string{"peer_id"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Requests processed by the pipeline, by type and status",
	}, []string{"type", "status"})

	RequestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Requests currently waiting in the cross-goroutine queue",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "Request handling duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"type"})

	LogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "log",
		Name:      "appends_total",
		Help:      "Total log store appends",
	})

	LogEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "log",
		Name:      "entries",
		Help:      "Entries currently in the log store",
	})

	LogWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "log",
		Name:      "write_duration_seconds",
		Help:      "Log store write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	LogSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "log",
		Name:      "sync_duration_seconds",
		Help:      "Log store durability sync duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "snapshot",
		Name:      "total",
		Help:      "Snapshot attempts by outcome",
	}, []string{"outcome"})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quorumkv",
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Time to create and finalize a snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	SnapshotPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "snapshot",
		Name:      "pushes_total",
		Help:      "Snapshot transfers to lagging peers by outcome",
	}, []string{"outcome"})

	StorageKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quorumkv",
		Subsystem: "storage",
		Name:      "keys_total",
		Help:      "Total keys in the dataset",
	})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quorumkv",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total dataset operations",
	}, []string{"operation"})
)
