package dynamics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rock-core/tools-syskit-sub009/internal/dynamics"
)

func TestAddTriggerUnionsByName(t *testing.T) {
	var d dynamics.PortDynamics

	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:1", Period: 0.1, SampleCount: 1}))
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "device:cam", Period: 0.2, SampleCount: 2}))
	// Re-adding the same origin replaces it instead of duplicating.
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:1", Period: 0.5, SampleCount: 1}))

	require.Len(t, d.Triggers(), 2)
	assert.InDelta(t, 0.2, d.MinPeriod(), 1e-9)
}

func TestFinalizeFreezesTheRecord(t *testing.T) {
	var d dynamics.PortDynamics
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:1", Period: 0.1, SampleCount: 1}))
	require.NoError(t, d.Finalize())
	assert.True(t, d.Done())

	var finalized *dynamics.FinalizedError

	err := d.AddTrigger(dynamics.Trigger{Name: "late", Period: 1, SampleCount: 1})
	require.Error(t, err)
	assert.ErrorAs(t, err, &finalized)

	var other dynamics.PortDynamics
	require.NoError(t, other.AddTrigger(dynamics.Trigger{Name: "x", Period: 1, SampleCount: 1}))
	err = d.Merge(&other)
	assert.ErrorAs(t, err, &finalized)

	err = d.Finalize()
	assert.ErrorAs(t, err, &finalized)
}

func TestFinalizeSortsTriggers(t *testing.T) {
	var d dynamics.PortDynamics
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "z", Period: 1, SampleCount: 1}))
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "a", Period: 2, SampleCount: 1}))
	require.NoError(t, d.Finalize())

	trs := d.Triggers()
	require.Len(t, trs, 2)
	assert.Equal(t, "a", trs[0].Name)
	assert.Equal(t, "z", trs[1].Name)
}

func TestQueueSize(t *testing.T) {
	var d dynamics.PortDynamics
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:1", Period: 1.0, SampleCount: 1}))

	// One periodic producer at 1s, read every 2s: one in-flight sample
	// plus ceil(2/1)*1 gives 3; a 10% margin rounds that up to 4.
	assert.Equal(t, 4, d.QueueSize(2.0, 0.1))
	assert.Equal(t, 3, d.QueueSize(2.0, 0))
}

func TestQueueSizeCountsBursts(t *testing.T) {
	var d dynamics.PortDynamics
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "device:sonar", Period: 0.5, SampleCount: 4}))
	// One-shot contributions add their sample count once.
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "burst", Period: 0, SampleCount: 2}))

	// 1 + ceil(1.0/0.5)*4 + 2 = 11
	assert.Equal(t, 11, d.QueueSize(1.0, 0))
}

func TestQueueSizeIsMonotonic(t *testing.T) {
	var d dynamics.PortDynamics
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:1", Period: 0.1, SampleCount: 1}))
	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "periodic:2", Period: 0.3, SampleCount: 2}))

	latencies := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	prev := 0
	for _, latency := range latencies {
		size := d.QueueSize(latency, 0.1)
		assert.GreaterOrEqual(t, size, prev, "latency %g", latency)
		prev = size
	}

	margins := []float64{0, 0.1, 0.25, 0.5, 1}
	prev = 0
	for _, margin := range margins {
		size := d.QueueSize(1.0, margin)
		assert.GreaterOrEqual(t, size, prev, "margin %g", margin)
		prev = size
	}
}

func TestEmptyAndMinPeriod(t *testing.T) {
	var d dynamics.PortDynamics
	assert.True(t, d.Empty())
	assert.Zero(t, d.MinPeriod())

	require.NoError(t, d.AddTrigger(dynamics.Trigger{Name: "burst", Period: 0, SampleCount: 3}))
	assert.False(t, d.Empty())
	// Only positive periods count.
	assert.Zero(t, d.MinPeriod())
}
