package runtime

import (
	"runtime/metrics"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no previous read")
	assert.NotZero(t, first.MemoryBytes)
	assert.Positive(t, first.Goroutines)

	time.Sleep(10 * time.Millisecond)

	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, second.GCCycles, first.GCCycles)
	assert.Greater(t, second.Uptime, first.Uptime)
}

func TestResourceTrackerEdgeCases(t *testing.T) {
	t.Run("nil tracker", func(t *testing.T) {
		var tracker *resourceTracker
		assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
	})

	t.Run("zero value tracker", func(t *testing.T) {
		tracker := &resourceTracker{}
		snap := tracker.Snapshot()
		assert.NotZero(t, snap.MemoryBytes)
		assert.Positive(t, snap.Goroutines)
	})

	t.Run("unknown metric reads as zero", func(t *testing.T) {
		samples := []metrics.Sample{{Name: "/ramqp/not-a-metric:units"}}
		metrics.Read(samples)
		require.Equal(t, metrics.KindBad, samples[0].Value.Kind())
		assert.Zero(t, uint64Value(samples[0].Value))
	})
}
