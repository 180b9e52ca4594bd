package balance

import (
	"context"
	"log"
	"sync"
	"time"
)

// FetchFunc returns the authoritative wallet balance.
type FetchFunc func(ctx context.Context) (float64, error)

// Monitor re-checks the wallet against a session's per-minute rate while
// the session is active. It warns exactly once when under two minutes of
// runway remain, and asks for termination when less than one minute is
// left. It never touches the session itself; the controller owns that.
type Monitor struct {
	fetch       FetchFunc
	rate        float64
	interval    time.Duration
	onWarn      func(balance float64)
	onExhausted func(balance float64)

	mu      sync.Mutex
	running bool
	warned  bool
	stop    context.CancelFunc
}

func NewMonitor(fetch FetchFunc, ratePerMinute float64, interval time.Duration,
	onWarn, onExhausted func(balance float64)) *Monitor {
	return &Monitor{
		fetch:       fetch,
		rate:        ratePerMinute,
		interval:    interval,
		onWarn:      onWarn,
		onExhausted: onExhausted,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, stop := context.WithCancel(ctx)
	m.running = true
	m.stop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.stop()
}

func (m *Monitor) check(ctx context.Context) {
	bal, err := m.fetch(ctx)
	if err != nil {
		// Transient fetch failures never end a session
		log.Printf("[Balance] Refresh failed: %v", err)
		return
	}

	oneMinute := m.rate / 60 // under this, not even a minute of talk is left

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if bal < oneMinute {
		m.running = false
		m.stop()
		m.mu.Unlock()
		log.Printf("[Balance] Exhausted (%.2f left, rate %.2f/min), forcing termination", bal, m.rate)
		if m.onExhausted != nil {
			m.onExhausted(bal)
		}
		return
	}
	if bal < 2*m.rate && bal > oneMinute && !m.warned {
		m.warned = true
		m.mu.Unlock()
		log.Printf("[Balance] Low balance warning (%.2f left, rate %.2f/min)", bal, m.rate)
		if m.onWarn != nil {
			m.onWarn(bal)
		}
		return
	}
	m.mu.Unlock()
}
