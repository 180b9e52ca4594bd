package timer

import (
	"sync"
	"time"
)

// Well-known timer names used by the lifecycle controller
const (
	Accept   = "accept"
	Queue    = "queue"
	Duration = "duration"
	Balance  = "balance"
)

// Manager owns the countdown, duration and interval timers of one call
// flow. Countdowns and durations are recomputed from absolute wall-clock
// timestamps on every tick, never from a tick counter, so time spent with
// the app suspended is neither lost nor double-counted.
type Manager struct {
	mu     sync.Mutex
	timers map[string]*handle
}

type handle struct {
	stop     chan struct{}
	deadline time.Time // countdowns
	start    time.Time // durations
	last     time.Duration
}

func NewManager() *Manager {
	return &Manager{timers: make(map[string]*handle)}
}

// StartCountdown runs a one-second countdown toward deadline. onTick gets
// the remaining time, clamped at zero; onDone fires exactly once when the
// deadline passes. Restarting a running countdown clears the old one.
func (m *Manager) StartCountdown(name string, deadline time.Time, onTick func(remaining time.Duration), onDone func()) {
	h := m.register(name, &handle{stop: make(chan struct{}), deadline: deadline})

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				remaining := time.Until(deadline)
				if remaining < 0 {
					remaining = 0
				}
				if onTick != nil {
					onTick(remaining)
				}
				if remaining == 0 {
					m.remove(name, h)
					if onDone != nil {
						onDone()
					}
					return
				}
			}
		}
	}()
}

// StartDuration runs an elapsed timer from start. Reported values are
// monotonic even if the wall clock steps backwards.
func (m *Manager) StartDuration(name string, start time.Time, onTick func(elapsed time.Duration)) {
	h := m.register(name, &handle{stop: make(chan struct{}), start: start})

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				elapsed := m.elapsed(h)
				if onTick != nil {
					onTick(elapsed)
				}
			}
		}
	}()
}

// StartTicker runs fn on a fixed interval until stopped.
func (m *Manager) StartTicker(name string, interval time.Duration, fn func()) {
	h := m.register(name, &handle{stop: make(chan struct{})})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Remaining reports the wall-clock time left on a running countdown.
func (m *Manager) Remaining(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.timers[name]
	if !ok || h.deadline.IsZero() {
		return 0, false
	}
	remaining := time.Until(h.deadline)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Elapsed reports the wall-clock time accumulated by a running duration timer.
func (m *Manager) Elapsed(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.timers[name]
	if !ok || h.start.IsZero() {
		return 0, false
	}
	return m.elapsedLocked(h), true
}

func (m *Manager) Stop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.timers[name]; ok {
		close(h.stop)
		delete(m.timers, name)
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, h := range m.timers {
		close(h.stop)
		delete(m.timers, name)
	}
}

func (m *Manager) register(name string, h *handle) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.timers[name]; ok {
		close(prev.stop)
	}
	m.timers[name] = h
	return h
}

// remove drops a finished timer, but only if it has not been replaced
func (m *Manager) remove(name string, h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.timers[name]; ok && cur == h {
		delete(m.timers, name)
	}
}

func (m *Manager) elapsed(h *handle) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsedLocked(h)
}

func (m *Manager) elapsedLocked(h *handle) time.Duration {
	elapsed := time.Since(h.start)
	if elapsed < h.last {
		return h.last
	}
	h.last = elapsed
	return elapsed
}
