package quota

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryReserveBoundary(t *testing.T) {
	tr := NewTracker(time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, tr.TryReserve("r-1", 3))
	}
	assert.False(t, tr.TryReserve("r-1", 3))
	assert.Equal(t, 3, tr.Reserved("r-1"))

	// Other rules are unaffected.
	assert.True(t, tr.TryReserve("r-2", 3))
}

func TestTryReserveUncapped(t *testing.T) {
	tr := NewTracker(time.UTC)

	for i := 0; i < 100; i++ {
		require.True(t, tr.TryReserve("r-1", 0))
	}
}

func TestConcurrentReservations(t *testing.T) {
	tr := NewTracker(time.UTC)
	tr.Seed("r-1", 0)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.TryReserve("r-1", 3) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), wins)
	assert.Equal(t, 3, tr.Reserved("r-1"))
}

func TestResetOnNewDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	current := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
	tr := NewTrackerWithClock(loc, func() time.Time { return current })

	require.True(t, tr.TryReserve("r-1", 1))
	assert.False(t, tr.TryReserve("r-1", 1))

	// Crossing local midnight frees the quota.
	current = current.Add(time.Hour)
	assert.True(t, tr.TryReserve("r-1", 1))
	assert.Equal(t, 1, tr.Reserved("r-1"))
}

func TestSeedCarriesStoredCount(t *testing.T) {
	tr := NewTracker(time.UTC)
	tr.Seed("r-1", 2)

	require.True(t, tr.TryReserve("r-1", 3))
	assert.False(t, tr.TryReserve("r-1", 3))
}

func TestSeedForDayDiscardsStaleCounts(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	current := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	tr := NewTrackerWithClock(loc, func() time.Time { return current })

	// Yesterday's stored count must not consume today's cap.
	tr.SeedForDay("r-1", 3, "2026-03-01")
	require.True(t, tr.TryReserve("r-1", 3))
	assert.Equal(t, 1, tr.Reserved("r-1"))
}

func TestSeedForDayCarriesTodaysCount(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	current := time.Date(2026, 3, 2, 9, 0, 0, 0, loc)
	tr := NewTrackerWithClock(loc, func() time.Time { return current })

	tr.SeedForDay("r-1", 3, "2026-03-02")
	assert.False(t, tr.TryReserve("r-1", 3))
}
