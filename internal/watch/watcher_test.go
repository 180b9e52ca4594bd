package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nakshatra-call/internal/models"
)

// fakePush is a scriptable push source
type fakePush struct {
	ch        chan models.StatusUpdate
	err       error
	cancelled atomic.Bool
}

func newFakePush() *fakePush {
	return &fakePush{ch: make(chan models.StatusUpdate, 8)}
}

func (f *fakePush) Subscribe(ctx context.Context, channel string) (<-chan models.StatusUpdate, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.ch, func() { f.cancelled.Store(true) }, nil
}

type recorder struct {
	mu       sync.Mutex
	updates  []models.StatusUpdate
	resolved []models.StatusUpdate
}

func (r *recorder) onUpdate(u models.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) onResolved(u models.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, u)
}

func (r *recorder) resolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

func (r *recorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func staticPoll(u models.StatusUpdate) PollFunc {
	return func(ctx context.Context) (*models.StatusUpdate, error) {
		cp := u
		return &cp, nil
	}
}

func TestFirstTerminalWins(t *testing.T) {
	push := newFakePush()
	rec := &recorder{}

	// Poll keeps reporting rejected; push delivers accepted first
	w := New(push, "call:request:r1", staticPoll(models.StatusUpdate{Status: models.StatusRejected}),
		5*time.Millisecond, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	push.ch <- models.StatusUpdate{
		Status:  models.StatusAccepted,
		Session: &models.SessionDescriptor{SessionID: "s1"},
	}

	require.Eventually(t, func() bool { return rec.resolvedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, push.cancelled.Load(), "push channel must be unsubscribed after latch")

	// Late contradictory signals from either channel are dropped
	push.ch <- models.StatusUpdate{Status: models.StatusRejected}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.resolvedCount())
	assert.Equal(t, models.StatusAccepted, rec.resolved[0].Status)
	require.NotNil(t, rec.resolved[0].Session)
	assert.Equal(t, "s1", rec.resolved[0].Session.SessionID)
}

func TestDuplicateTerminalAcrossChannels(t *testing.T) {
	push := newFakePush()
	rec := &recorder{}

	// Both channels report the same terminal status; only one may pass
	w := New(push, "call:request:r2", staticPoll(models.StatusUpdate{Status: models.StatusTimeout}),
		5*time.Millisecond, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	push.ch <- models.StatusUpdate{Status: models.StatusTimeout}

	require.Eventually(t, func() bool { return rec.resolvedCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.resolvedCount())
}

func TestPollBackstopWhenPushSilent(t *testing.T) {
	push := newFakePush() // subscribed but never delivers
	rec := &recorder{}

	w := New(push, "call:request:r3", staticPoll(models.StatusUpdate{
		Status:  models.StatusAccepted,
		Session: &models.SessionDescriptor{SessionID: "s3"},
	}), 5*time.Millisecond, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	require.Eventually(t, func() bool { return rec.resolvedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, push.cancelled.Load())
}

func TestPushSubscribeFailureFallsBackToPoll(t *testing.T) {
	push := newFakePush()
	push.err = errors.New("subscribe refused")
	rec := &recorder{}

	w := New(push, "call:request:r4", staticPoll(models.StatusUpdate{Status: models.StatusRejected}),
		5*time.Millisecond, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	require.Eventually(t, func() bool { return rec.resolvedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestNonTerminalDedupAndStalePositions(t *testing.T) {
	push := newFakePush()
	rec := &recorder{}

	w := New(push, "call:queue:q1", staticPoll(models.StatusUpdate{Status: models.StatusWaiting, Position: 5}),
		time.Hour, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())
	defer w.Cancel()

	push.ch <- models.StatusUpdate{Status: models.StatusWaiting, Position: 5}
	push.ch <- models.StatusUpdate{Status: models.StatusWaiting, Position: 5} // duplicate
	push.ch <- models.StatusUpdate{Status: models.StatusWaiting, Position: 3} // moved up
	push.ch <- models.StatusUpdate{Status: models.StatusWaiting, Position: 4} // stale, regression
	push.ch <- models.StatusUpdate{Status: models.StatusNotified, Position: 1}

	require.Eventually(t, func() bool { return rec.updateCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.updates, 3)
	assert.Equal(t, 5, rec.updates[0].Position)
	assert.Equal(t, 3, rec.updates[1].Position)
	assert.Equal(t, models.StatusNotified, rec.updates[2].Status)
	assert.Empty(t, rec.resolved, "notified is not terminal")
}

func TestCancelSynchronousTeardown(t *testing.T) {
	push := newFakePush()
	rec := &recorder{}

	w := New(push, "call:request:r5", staticPoll(models.StatusUpdate{Status: models.StatusPending}),
		time.Hour, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	w.Cancel()
	assert.True(t, push.cancelled.Load(), "cancel must tear down push before returning")

	// Anything still in flight is dropped at the liveness check
	push.ch <- models.StatusUpdate{Status: models.StatusAccepted, Session: &models.SessionDescriptor{SessionID: "s5"}}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.resolvedCount())
	assert.Zero(t, rec.updateCount())

	w.Cancel() // idempotent
}

func TestConcurrentRacersResolveOnce(t *testing.T) {
	push := newFakePush()
	rec := &recorder{}

	w := New(push, "call:request:r6", staticPoll(models.StatusUpdate{Status: models.StatusRejected}),
		time.Millisecond, rec.onUpdate, rec.onResolved)
	w.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.report(models.StatusUpdate{Status: models.StatusRejected})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.resolvedCount() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.resolvedCount())
}
