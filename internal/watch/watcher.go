package watch

import (
	"context"
	"log"
	"sync"
	"time"

	"nakshatra-call/internal/models"
)

// PushSource is the low-latency half of a watch: a per-id subscription
// that may silently stop delivering at any time.
type PushSource interface {
	Subscribe(ctx context.Context, channel string) (<-chan models.StatusUpdate, func(), error)
}

// PollFunc is the high-latency half: an authoritative status fetch that
// is always eventually consistent.
type PollFunc func(ctx context.Context) (*models.StatusUpdate, error)

// Watcher merges one push subscription and one fixed-interval poll into a
// single de-duplicated status stream for one request or queue id. Both
// sources run concurrently from Start; the poll is a correctness backstop
// against missed pushes, not a failover. The first accepted-or-terminal
// status wins the latch, both sources are torn down on the spot, and
// anything arriving later for this id is dropped.
type Watcher struct {
	channel  string
	push     PushSource
	poll     PollFunc
	interval time.Duration

	onUpdate   func(models.StatusUpdate)
	onResolved func(models.StatusUpdate)

	mu           sync.Mutex
	live         bool
	lastStatus   models.RequestStatus
	lastPosition int
	hasPosition  bool
	cancelPush   func()
	stopCtx      context.CancelFunc
}

// New builds a watcher. onUpdate receives non-terminal signals (queue
// position changes, pending heartbeats); onResolved fires at most once
// with the accepted or terminal status.
func New(push PushSource, channel string, poll PollFunc, interval time.Duration,
	onUpdate func(models.StatusUpdate), onResolved func(models.StatusUpdate)) *Watcher {
	return &Watcher{
		channel:    channel,
		push:       push,
		poll:       poll,
		interval:   interval,
		onUpdate:   onUpdate,
		onResolved: onResolved,
	}
}

// Start opens both channels. A failed push subscription is tolerated:
// the poll alone still converges.
func (w *Watcher) Start(ctx context.Context) {
	ctx, stop := context.WithCancel(ctx)

	w.mu.Lock()
	w.live = true
	w.stopCtx = stop
	w.mu.Unlock()

	updates, cancelPush, err := w.push.Subscribe(ctx, w.channel)
	if err != nil {
		log.Printf("[Watcher] Push subscribe failed for %s, poll-only: %v", w.channel, err)
	} else {
		w.mu.Lock()
		if !w.live {
			// Cancelled while subscribing
			w.mu.Unlock()
			cancelPush()
			return
		}
		w.cancelPush = cancelPush
		w.mu.Unlock()

		go func() {
			for update := range updates {
				w.report(update)
			}
		}()
	}

	go w.pollLoop(ctx)
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update, err := w.poll(ctx)
			if err != nil {
				log.Printf("[Watcher] Poll failed for %s: %v", w.channel, err)
				continue
			}
			w.report(*update)
		}
	}
}

// report is the latch. Exactly one accepted-or-terminal status passes;
// late or duplicate signals are dropped here, whichever channel they
// came in on.
func (w *Watcher) report(update models.StatusUpdate) {
	w.mu.Lock()
	if !w.live {
		w.mu.Unlock()
		return
	}

	if update.Status.Terminal() {
		w.live = false
		w.teardownLocked()
		w.mu.Unlock()
		if w.onResolved != nil {
			w.onResolved(update)
		}
		return
	}

	// Non-terminal: drop duplicates and stale queue positions. Position
	// only ever moves toward the front; a poll that raced a push can
	// report an older, larger one.
	if update.Position > 0 {
		if w.hasPosition && update.Position > w.lastPosition {
			w.mu.Unlock()
			return
		}
		if w.hasPosition && update.Position == w.lastPosition && update.Status == w.lastStatus {
			w.mu.Unlock()
			return
		}
		w.lastPosition = update.Position
		w.hasPosition = true
	} else if update.Status == w.lastStatus {
		w.mu.Unlock()
		return
	}
	w.lastStatus = update.Status
	w.mu.Unlock()

	if w.onUpdate != nil {
		w.onUpdate(update)
	}
}

// Cancel tears both channels down before returning. No callback fires
// after Cancel returns.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.live {
		return
	}
	w.live = false
	w.teardownLocked()
}

func (w *Watcher) teardownLocked() {
	if w.stopCtx != nil {
		w.stopCtx()
		w.stopCtx = nil
	}
	if w.cancelPush != nil {
		w.cancelPush()
		w.cancelPush = nil
	}
}
