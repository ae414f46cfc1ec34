package exclusive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct {
	start, end time.Time
}

func runTimed(t *testing.T, m *Manager, key any, hold time.Duration) span {
	t.Helper()
	release, err := m.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	var s span
	s.start = time.Now()
	time.Sleep(hold)
	s.end = time.Now()
	return s
}

func TestSameKeyDoesNotOverlap(t *testing.T) {
	m := NewManager()
	key := [2]string{"uuid-1", "object-1"}

	var wg sync.WaitGroup
	spans := make([]span, 2)
	for i := range spans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spans[i] = runTimed(t, m, key, 50*time.Millisecond)
		}()
	}
	wg.Wait()

	first, second := spans[0], spans[1]
	if second.start.Before(first.start) {
		first, second = second, first
	}
	assert.False(t, second.start.Before(first.end), "second body started before first finished")
	assert.Equal(t, 0, m.Len())
}

func TestDifferentKeysOverlap(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	spans := make([]span, 2)
	for i := range spans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spans[i] = runTimed(t, m, i, 100*time.Millisecond)
		}()
	}
	wg.Wait()

	assert.True(t, spans[0].start.Before(spans[1].end))
	assert.True(t, spans[1].start.Before(spans[0].end))
}

func TestLockRecordsAreCollected(t *testing.T) {
	m := NewManager()
	before := m.Len()

	for range 10 {
		release, err := m.Acquire(context.Background(), "key")
		require.NoError(t, err)
		assert.Equal(t, 1, m.Len())
		release()
	}
	assert.Equal(t, before, m.Len())
}

func TestRecordSurvivesWhileWaiterQueued(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		r, err := m.Acquire(context.Background(), "key")
		if err == nil {
			acquired <- r
		}
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.locks["key"] != nil && m.locks["key"].refs == 2
	}, time.Second, time.Millisecond)

	release()
	assert.Equal(t, 1, m.Len(), "record must stay while a waiter holds a reference")

	second := <-acquired
	second()
	assert.Equal(t, 0, m.Len())
}

func TestCancelledWaiterReleasesReference(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "key")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, m.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)
	release()
	release()

	again, err := m.Acquire(context.Background(), "key")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, m.Len())
}

func TestIncomparableKeys(t *testing.T) {
	type pair struct {
		a, b any
	}

	tests := []struct {
		name string
		key  any
	}{
		{name: "slice", key: []string{"uuid-1", "object-1"}},
		{name: "map", key: map[string]string{"uuid": "uuid-1"}},
		{name: "struct holding a slice", key: pair{a: "uuid-1", b: []string{"object-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			release, err := m.Acquire(context.Background(), tt.key)
			require.ErrorIs(t, err, ErrKeyNotComparable)
			assert.Nil(t, release)
			assert.Equal(t, 0, m.Len())

			done := make(chan error, 1)
			go func() {
				release, err := m.Acquire(context.Background(), "other-key")
				if err == nil {
					release()
				}
				done <- err
			}()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("manager stayed locked after an incomparable key")
			}
			assert.Equal(t, 0, m.Len())
		})
	}
}

func TestZeroValueManager(t *testing.T) {
	var m Manager
	release, err := m.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, m.Len())
}
