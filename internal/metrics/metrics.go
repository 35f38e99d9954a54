// Package metrics defines the Prometheus collectors of the durability tracer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "durability_tracer"

var (
	InflightRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_records",
		Help:      "Writes currently tracked in the correlation table.",
	})

	TableCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "table_capacity",
		Help:      "Configured capacity of the correlation table.",
	})

	SubmissionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_dropped_total",
		Help:      "Submissions not tracked because the correlation table was full.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Lifecycle transitions by name.",
	}, []string{"transition"})

	UnmatchedDurabilityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmatched_durability_events_total",
		Help:      "Writeback and journal commit events that matched no tracked write.",
	}, []string{"probe"})

	HashCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hash_collisions_total",
		Help:      "Fingerprint matches rejected because the raw inode differed.",
	})

	DurabilityLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "durability_latency_seconds",
		Help:      "Time from submission to journal-committed durability.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	JournalCommitsTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "journal_commits_truncated_total",
		Help:      "Journal commits with more inodes than the kernel probe captures.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Probe events that could not be decoded.",
	})
)

// Probe labels for UnmatchedDurabilityEvents.
const (
	ProbeWriteback     = "writeback"
	ProbeJournalCommit = "journal_commit"
)
