package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreRegistered(t *testing.T) {
	TableCapacity.Set(1000)
	Transitions.WithLabelValues("submit").Inc()
	UnmatchedDurabilityEvents.WithLabelValues(ProbeWriteback).Inc()
	DurabilityLatency.Observe(0.002)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"durability_tracer_inflight_records",
		"durability_tracer_table_capacity",
		"durability_tracer_submissions_dropped_total",
		"durability_tracer_transitions_total",
		"durability_tracer_unmatched_durability_events_total",
		"durability_tracer_hash_collisions_total",
		"durability_tracer_durability_latency_seconds",
		"durability_tracer_decode_errors_total",
	} {
		assert.True(t, names[want], "%s not registered", want)
	}
}

func TestTransitionsByLabel(t *testing.T) {
	before := testutil.ToFloat64(Transitions.WithLabelValues("durable"))
	Transitions.WithLabelValues("durable").Add(2)

	assert.InDelta(t, before+2, testutil.ToFloat64(Transitions.WithLabelValues("durable")), 0)
}
