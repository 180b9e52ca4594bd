package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountdownNeverNegativeAndCompletesOnce(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	var mu sync.Mutex
	var ticks []time.Duration
	var done int32

	m.StartCountdown(Accept, time.Now().Add(2*time.Second), func(remaining time.Duration) {
		mu.Lock()
		ticks = append(ticks, remaining)
		mu.Unlock()
	}, func() {
		atomic.AddInt32(&done, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&done) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Already removed once complete, and never fired twice
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
	_, ok := m.Remaining(Accept)
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ticks)
	for _, r := range ticks {
		assert.GreaterOrEqual(t, r, time.Duration(0))
	}
	assert.Equal(t, time.Duration(0), ticks[len(ticks)-1])
}

func TestCountdownRemainingDerivedFromWallClock(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	m.StartCountdown(Queue, time.Now().Add(30*time.Second), nil, nil)

	remaining, ok := m.Remaining(Queue)
	require.True(t, ok)
	assert.InDelta(t, 30, remaining.Seconds(), 1)

	time.Sleep(1100 * time.Millisecond)
	later, ok := m.Remaining(Queue)
	require.True(t, ok)
	assert.Less(t, later, remaining)
}

func TestRestartClearsPreviousTimer(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	var firstDone, secondDone int32
	m.StartCountdown(Accept, time.Now().Add(1*time.Second), nil, func() {
		atomic.AddInt32(&firstDone, 1)
	})
	m.StartCountdown(Accept, time.Now().Add(2*time.Second), nil, func() {
		atomic.AddInt32(&secondDone, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&secondDone) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&firstDone), "replaced timer must not fire")
}

func TestDurationMonotonic(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	var mu sync.Mutex
	var ticks []time.Duration
	m.StartDuration(Duration, time.Now(), func(elapsed time.Duration) {
		mu.Lock()
		ticks = append(ticks, elapsed)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 3
	}, 6*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(ticks); i++ {
		assert.GreaterOrEqual(t, ticks[i], ticks[i-1])
	}
}

func TestDurationBackdatedStart(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	// A session that started 40s ago (e.g. the app was suspended) must
	// report the full wall-clock elapsed, not the tick count.
	m.StartDuration(Duration, time.Now().Add(-40*time.Second), nil)

	elapsed, ok := m.Elapsed(Duration)
	require.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, 40*time.Second)
}

func TestStopAndStopAll(t *testing.T) {
	m := NewManager()

	var ticker int32
	m.StartTicker(Balance, 20*time.Millisecond, func() { atomic.AddInt32(&ticker, 1) })
	m.StartCountdown(Accept, time.Now().Add(time.Minute), nil, nil)
	m.StartDuration(Duration, time.Now(), nil)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticker) > 0
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop(Balance)
	count := atomic.LoadInt32(&ticker)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, atomic.LoadInt32(&ticker))

	m.StopAll()
	_, ok := m.Remaining(Accept)
	assert.False(t, ok)
	_, ok = m.Elapsed(Duration)
	assert.False(t, ok)
}
