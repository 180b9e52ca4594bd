package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"nakshatra-call/internal/backend"
	"nakshatra-call/internal/balance"
	"nakshatra-call/internal/models"
	"nakshatra-call/internal/realtime"
	"nakshatra-call/internal/timer"
	"nakshatra-call/internal/watch"
	"nakshatra-call/pkg/utils"
)

// ErrInvalidTransition is returned when an operation is called in a state
// that does not allow it.
var ErrInvalidTransition = errors.New("operation not valid in current state")

// Backend is the slice of the marketplace API the controller consumes
type Backend interface {
	ValidateBalance(ctx context.Context, astrologerID string) (*backend.BalanceCheck, error)
	Balance(ctx context.Context) (float64, error)
	CreateRequest(ctx context.Context, astrologerID string) (*backend.RequestTicket, error)
	RequestStatus(ctx context.Context, requestID string) (*models.StatusUpdate, error)
	CancelRequest(ctx context.Context, requestID string) error
	JoinQueue(ctx context.Context, astrologerID string) (*backend.QueueTicket, error)
	QueueEntryStatus(ctx context.Context, queueID string) (*models.StatusUpdate, error)
	LeaveQueue(ctx context.Context, queueID string) error
	CallNow(ctx context.Context, queueID string) (*backend.RequestTicket, error)
	EndSession(ctx context.Context, sessionID string, reason models.EndReason) (*backend.SessionReceipt, error)
	RateSession(ctx context.Context, sessionID string, rating int, review string) error
}

// Listener receives UI-facing events. Any field may be nil.
type Listener struct {
	OnStateChange   func(state models.CallState)
	OnCountdownTick func(remaining time.Duration)
	OnDurationTick  func(elapsed time.Duration)
	OnQueueUpdate   func(position int)
	OnQueueNotified func()
	OnLowBalance    func(balance float64)
	OnSummary       func(summary models.CallSummary)
	OnError         func(err error)
}

type Config struct {
	PollInterval         time.Duration
	BalancePollInterval  time.Duration
	DefaultAcceptTimeout time.Duration
}

// Controller is the call-session lifecycle state machine. It owns the
// CallRequest, QueueEntry, ActiveSession and CallSummary of the current
// flow instance exclusively; the watcher, timers and balance monitor only
// report back into it. All transitions are serialized behind one mutex.
type Controller struct {
	ctx     context.Context
	backend Backend
	push    watch.PushSource
	timers  *timer.Manager
	cfg     Config

	listener Listener

	mu          sync.Mutex
	state       models.CallState
	flowID      string
	request     *models.CallRequest
	queueEntry  *models.QueueEntry
	session     *models.ActiveSession
	summary     *models.CallSummary
	watcher     *watch.Watcher
	monitor     *balance.Monitor
	lastBalance float64
	lastErr     error
}

func NewController(ctx context.Context, be Backend, push watch.PushSource, cfg Config) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BalancePollInterval == 0 {
		cfg.BalancePollInterval = 10 * time.Second
	}
	if cfg.DefaultAcceptTimeout == 0 {
		cfg.DefaultAcceptTimeout = 60 * time.Second
	}
	return &Controller{
		ctx:     ctx,
		backend: be,
		push:    push,
		timers:  timer.NewManager(),
		cfg:     cfg,
		state:   models.StateIdle,
	}
}

// SetListener must be called before the first operation.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// ─── initiate / cancel ────────────────────────────────────────────

// InitiateCall validates the wallet, creates a call request and starts
// the accept countdown plus the status watch. Validation failures leave
// the state untouched.
func (c *Controller) InitiateCall(ctx context.Context, astrologerID string) error {
	c.mu.Lock()
	if !c.idleLocked() {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.mu.Unlock()

	check, err := c.backend.ValidateBalance(ctx, astrologerID)
	if err != nil {
		return err
	}
	if !check.CanStartCall {
		log.Printf("[Controller] Balance check failed for %s (shortfall %.2f)", astrologerID, check.Shortfall)
		return backend.ErrInsufficientBalance
	}
	c.recordBalance(check.CurrentBalance)

	ticket, err := c.backend.CreateRequest(ctx, astrologerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idleLocked() {
		// A competing operation won while we were on the wire; abandon
		// the ticket best-effort.
		go c.backend.CancelRequest(c.ctx, ticket.RequestID)
		return ErrInvalidTransition
	}
	c.beginCallingLocked(astrologerID, ticket)
	return nil
}

// CancelCall withdraws a pending request. The backend notify is
// best-effort; local state resets regardless.
func (c *Controller) CancelCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != models.StateCalling {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	requestID := c.request.RequestID
	c.teardownFlowLocked()
	c.setStateLocked(models.StateIdle)
	c.mu.Unlock()

	utils.CallRequestsTotal.WithLabelValues("cancelled").Inc()
	if err := c.backend.CancelRequest(ctx, requestID); err != nil {
		log.Printf("[Controller] Cancel notify failed (ignored): %v", err)
	}
	return nil
}

// ─── queue ────────────────────────────────────────────────────────

// JoinQueue enters the waitlist of a busy astrologer.
func (c *Controller) JoinQueue(ctx context.Context, astrologerID string) error {
	c.mu.Lock()
	if !c.idleLocked() {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.mu.Unlock()

	ticket, err := c.backend.JoinQueue(ctx, astrologerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idleLocked() {
		go c.backend.LeaveQueue(c.ctx, ticket.QueueID)
		return ErrInvalidTransition
	}

	flowID := uuid.New().String()
	c.flowID = flowID
	c.summary = nil
	c.lastErr = nil
	c.queueEntry = &models.QueueEntry{
		QueueID:      ticket.QueueID,
		AstrologerID: astrologerID,
		Position:     ticket.Position,
		Status:       models.StatusWaiting,
		ExpiresAt:    ticket.ExpiresAt,
	}
	c.setStateLocked(models.StateQueued)
	log.Printf("[Controller] Joined queue %s at position %d", ticket.QueueID, ticket.Position)

	deadline := c.deadlineFrom(ticket.RemainingSeconds, ticket.ExpiresAt)
	c.timers.StartCountdown(timer.Queue, deadline,
		c.emitTickGuard(flowID),
		func() { c.onLocalTimeout(flowID, models.StateQueued) })

	queueID := ticket.QueueID
	c.watcher = watch.New(
		c.push,
		realtime.QueueChannelPrefix+queueID,
		func(pollCtx context.Context) (*models.StatusUpdate, error) {
			return c.backend.QueueEntryStatus(pollCtx, queueID)
		},
		c.cfg.PollInterval,
		func(u models.StatusUpdate) { c.onQueueUpdate(flowID, u) },
		func(u models.StatusUpdate) { c.onQueueResolved(flowID, u) },
	)
	c.watcher.Start(c.ctx)
	return nil
}

// LeaveQueue mirrors CancelCall for queue entries.
func (c *Controller) LeaveQueue(ctx context.Context) error {
	c.mu.Lock()
	if c.state != models.StateQueued {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	queueID := c.queueEntry.QueueID
	c.teardownFlowLocked()
	c.setStateLocked(models.StateIdle)
	c.mu.Unlock()

	if err := c.backend.LeaveQueue(ctx, queueID); err != nil {
		log.Printf("[Controller] Leave-queue notify failed (ignored): %v", err)
	}
	return nil
}

// CallFromQueue promotes a notified queue entry into a fresh call
// request and resumes the normal accept flow.
func (c *Controller) CallFromQueue(ctx context.Context) error {
	c.mu.Lock()
	if c.state != models.StateQueued || c.queueEntry.Status != models.StatusNotified {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	queueID := c.queueEntry.QueueID
	astrologerID := c.queueEntry.AstrologerID
	c.teardownFlowLocked()
	c.setStateLocked(models.StateIdle)
	c.mu.Unlock()

	ticket, err := c.backend.CallNow(ctx, queueID)
	if err != nil {
		c.reportError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idleLocked() {
		go c.backend.CancelRequest(c.ctx, ticket.RequestID)
		return ErrInvalidTransition
	}
	c.beginCallingLocked(astrologerID, ticket)
	return nil
}

// ─── termination ──────────────────────────────────────────────────

// EndCall terminates the active session. Idempotent: in any non-active
// state it is a silent no-op, so racing timer callbacks and user taps
// cannot double-bill. The state flips before any network work, making
// the guard itself race-safe. A backend failure degrades to a locally
// computed summary, never to a stuck session.
func (c *Controller) EndCall(ctx context.Context, reason models.EndReason) error {
	c.mu.Lock()
	if c.state != models.StateActive && c.state != models.StateConnecting {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	elapsed, _ := c.timers.Elapsed(timer.Duration)
	lastBalance := c.lastBalance
	c.session = nil
	c.teardownFlowLocked()
	c.setStateLocked(models.StateSummary)
	c.mu.Unlock()

	utils.ActiveSessions.Dec()
	if reason == models.EndReasonInsufficientBalance {
		utils.ForcedTerminations.Inc()
	}
	log.Printf("[Controller] Ending session %s (reason: %s, elapsed %s)", session.SessionID, reason, elapsed)

	summary := models.CallSummary{
		SessionID: session.SessionID,
		StartTime: session.StartTime,
		EndTime:   time.Now(),
	}

	receipt, err := c.backend.EndSession(ctx, session.SessionID, reason)
	switch {
	case err == nil && receipt != nil:
		summary.Duration = time.Duration(receipt.DurationSeconds) * time.Second
		summary.TotalCost = receipt.TotalCost
		summary.RemainingBalance = receipt.RemainingBalance
	default:
		// Server unreachable or session already gone: fall back to the
		// client's own clock and rate. Advisory figures, never billed.
		if err != nil {
			log.Printf("[Controller] End-session failed, using local summary: %v", err)
		}
		summary.Duration = elapsed
		summary.TotalCost = session.PricePerMinute * elapsed.Minutes()
		summary.RemainingBalance = lastBalance - summary.TotalCost
		if summary.RemainingBalance < 0 {
			summary.RemainingBalance = 0
		}
		summary.Estimated = true
	}

	c.mu.Lock()
	c.summary = &summary
	c.mu.Unlock()

	if c.listener.OnSummary != nil {
		c.listener.OnSummary(summary)
	}
	return nil
}

// RateCall submits a rating for the last summary. Fire-and-forget:
// backend failure is logged, never surfaced.
func (c *Controller) RateCall(rating int, review string) error {
	c.mu.Lock()
	if c.summary == nil {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	sessionID := c.summary.SessionID
	c.mu.Unlock()

	go func() {
		if err := c.backend.RateSession(c.ctx, sessionID, rating, review); err != nil {
			log.Printf("[Controller] Rating for %s failed (ignored): %v", sessionID, err)
		}
	}()
	return nil
}

// GoHome hard-resets the flow: stops everything, drops every entity,
// returns to the pre-call baseline. Used for abandon/back-navigation.
func (c *Controller) GoHome() {
	c.mu.Lock()
	requestID := ""
	queueID := ""
	if c.request != nil {
		requestID = c.request.RequestID
	}
	if c.queueEntry != nil {
		queueID = c.queueEntry.QueueID
	}
	if c.session != nil {
		utils.ActiveSessions.Dec()
	}
	c.session = nil
	c.summary = nil
	c.lastErr = nil
	c.teardownFlowLocked()
	c.setStateLocked(models.StateIdle)
	c.mu.Unlock()

	if requestID != "" {
		go func() {
			if err := c.backend.CancelRequest(c.ctx, requestID); err != nil {
				log.Printf("[Controller] Cancel on reset failed (ignored): %v", err)
			}
		}()
	}
	if queueID != "" {
		go func() {
			if err := c.backend.LeaveQueue(c.ctx, queueID); err != nil {
				log.Printf("[Controller] Leave-queue on reset failed (ignored): %v", err)
			}
		}()
	}
}

// ─── watcher and timer callbacks ──────────────────────────────────

func (c *Controller) onRequestResolved(flowID string, update models.StatusUpdate) {
	c.mu.Lock()
	if c.flowID != flowID || c.state != models.StateCalling {
		c.mu.Unlock()
		return
	}
	utils.WatcherSignals.WithLabelValues(string(update.Status)).Inc()

	switch update.Status {
	case models.StatusAccepted:
		if update.Session == nil {
			// Accepted without a descriptor is unusable; treat as expired
			log.Printf("[Controller] Accepted signal without session descriptor, dropping flow")
			c.failFlowLocked(backend.ErrRequestExpired, "expired")
			return
		}
		c.startSessionLocked(*update.Session)
	case models.StatusRejected:
		log.Printf("[Controller] Request rejected, astrologer busy")
		c.failFlowLocked(backend.ErrAstrologerBusy, "rejected")
	case models.StatusTimeout:
		log.Printf("[Controller] Request timed out server-side")
		c.failFlowLocked(backend.ErrRequestExpired, "expired")
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) onQueueResolved(flowID string, update models.StatusUpdate) {
	c.mu.Lock()
	if c.flowID != flowID || c.state != models.StateQueued {
		c.mu.Unlock()
		return
	}
	utils.WatcherSignals.WithLabelValues(string(update.Status)).Inc()

	switch update.Status {
	case models.StatusExpired, models.StatusLeft:
		log.Printf("[Controller] Queue entry resolved: %s", update.Status)
		c.queueEntry = nil
		c.failFlowLocked(backend.ErrRequestExpired, "queue_expired")
	case models.StatusAccepted:
		// Some backends skip call-now and promote directly
		if update.Session != nil {
			c.startSessionLocked(*update.Session)
			return
		}
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) onQueueUpdate(flowID string, update models.StatusUpdate) {
	c.mu.Lock()
	if c.flowID != flowID || c.state != models.StateQueued {
		c.mu.Unlock()
		return
	}
	if update.Position > 0 {
		c.queueEntry.Position = update.Position
	}
	notified := update.Status == models.StatusNotified && c.queueEntry.Status != models.StatusNotified
	if update.Status != "" {
		c.queueEntry.Status = update.Status
	}
	position := c.queueEntry.Position
	c.mu.Unlock()

	if notified {
		log.Printf("[Controller] Queue turn reached (position %d)", position)
		if c.listener.OnQueueNotified != nil {
			c.listener.OnQueueNotified()
		}
		return
	}
	if c.listener.OnQueueUpdate != nil {
		c.listener.OnQueueUpdate(position)
	}
}

// onLocalTimeout handles an accept or queue countdown elapsing with no
// terminal signal received. The backend may still report later; the
// flow-id guard drops whichever side loses the race.
func (c *Controller) onLocalTimeout(flowID string, expected models.CallState) {
	c.mu.Lock()
	if c.flowID != flowID || c.state != expected {
		c.mu.Unlock()
		return
	}
	log.Printf("[Controller] Local countdown elapsed in %s", expected)
	var outcome string
	if expected == models.StateCalling {
		outcome = "expired"
	} else {
		outcome = "queue_expired"
	}
	c.failFlowLocked(backend.ErrRequestExpired, outcome)
}

// ─── internals (mu held on entry unless noted) ────────────────────

func (c *Controller) idleLocked() bool {
	return (c.state == models.StateIdle || c.state == models.StateSummary) &&
		c.request == nil && c.queueEntry == nil && c.session == nil
}

// beginCallingLocked commits a fresh CallRequest and arms the accept
// countdown and the status watch.
func (c *Controller) beginCallingLocked(astrologerID string, ticket *backend.RequestTicket) {
	flowID := uuid.New().String()
	c.flowID = flowID
	c.summary = nil
	c.lastErr = nil
	c.request = &models.CallRequest{
		RequestID:      ticket.RequestID,
		AstrologerID:   astrologerID,
		Status:         models.StatusPending,
		PricePerMinute: ticket.PricePerMinute,
		CreatedAt:      time.Now(),
		ExpiresAt:      ticket.ExpiresAt,
	}
	c.setStateLocked(models.StateCalling)
	log.Printf("[Controller] Call request %s created for %s (%ds to accept)",
		ticket.RequestID, astrologerID, ticket.RemainingSeconds)

	deadline := c.deadlineFrom(ticket.RemainingSeconds, ticket.ExpiresAt)
	c.timers.StartCountdown(timer.Accept, deadline,
		c.emitTickGuard(flowID),
		func() { c.onLocalTimeout(flowID, models.StateCalling) })

	requestID := ticket.RequestID
	c.watcher = watch.New(
		c.push,
		realtime.RequestChannelPrefix+requestID,
		func(pollCtx context.Context) (*models.StatusUpdate, error) {
			return c.backend.RequestStatus(pollCtx, requestID)
		},
		c.cfg.PollInterval,
		nil,
		func(u models.StatusUpdate) { c.onRequestResolved(flowID, u) },
	)
	c.watcher.Start(c.ctx)
}

// startSessionLocked transitions into the metered session. Releases mu.
func (c *Controller) startSessionLocked(desc models.SessionDescriptor) {
	astrologerID := ""
	rate := desc.PricePerMinute
	if c.request != nil {
		astrologerID = c.request.AstrologerID
		if rate == 0 {
			rate = c.request.PricePerMinute
		}
	} else if c.queueEntry != nil {
		astrologerID = c.queueEntry.AstrologerID
	}
	start := desc.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	c.request = nil
	c.queueEntry = nil
	c.teardownFlowKeepStateLocked()
	c.setStateLocked(models.StateConnecting)

	c.session = &models.ActiveSession{
		SessionID:       desc.SessionID,
		AstrologerID:    astrologerID,
		TelephonyToken:  desc.TelephonyToken,
		TelephonyRoomID: desc.TelephonyRoomID,
		StartTime:       start,
		PricePerMinute:  rate,
		Status:          models.StateActive,
	}
	c.timers.StartDuration(timer.Duration, start, func(elapsed time.Duration) {
		if c.listener.OnDurationTick != nil {
			c.listener.OnDurationTick(elapsed)
		}
	})

	c.monitor = balance.NewMonitor(
		func(ctx context.Context) (float64, error) {
			bal, err := c.backend.Balance(ctx)
			if err == nil {
				c.recordBalance(bal)
			}
			return bal, err
		},
		rate,
		c.cfg.BalancePollInterval,
		func(bal float64) {
			utils.LowBalanceWarnings.Inc()
			if c.listener.OnLowBalance != nil {
				c.listener.OnLowBalance(bal)
			}
		},
		func(bal float64) {
			c.EndCall(c.ctx, models.EndReasonInsufficientBalance)
		},
	)
	c.monitor.Start(c.ctx)

	c.setStateLocked(models.StateActive)
	utils.ActiveSessions.Inc()
	utils.CallRequestsTotal.WithLabelValues("accepted").Inc()
	log.Printf("[Controller] Session %s active (rate %.2f/min, room %s)",
		desc.SessionID, rate, desc.TelephonyRoomID)
	c.mu.Unlock()
}

// failFlowLocked drops the live entity, surfaces err, returns to idle.
// Releases mu.
func (c *Controller) failFlowLocked(err error, outcome string) {
	c.request = nil
	c.queueEntry = nil
	c.lastErr = err
	c.teardownFlowKeepStateLocked()
	c.setStateLocked(models.StateIdle)
	utils.CallRequestsTotal.WithLabelValues(outcome).Inc()
	c.mu.Unlock()
	c.reportError(err)
}

// teardownFlowLocked releases every timer, watch and monitor of the
// current flow and drops the pending entities. Every state exit funnels
// through here or teardownFlowKeepStateLocked: acquire on entry, release
// on every exit.
func (c *Controller) teardownFlowLocked() {
	c.request = nil
	c.queueEntry = nil
	c.teardownFlowKeepStateLocked()
}

func (c *Controller) teardownFlowKeepStateLocked() {
	if c.watcher != nil {
		c.watcher.Cancel()
		c.watcher = nil
	}
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	c.timers.StopAll()
}

func (c *Controller) setStateLocked(state models.CallState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.listener.OnStateChange != nil {
		// Deliver async so a listener calling back in cannot deadlock
		go c.listener.OnStateChange(state)
	}
}

func (c *Controller) deadlineFrom(remainingSeconds int, expiresAt time.Time) time.Time {
	// The server is authoritative over countdown length
	if remainingSeconds > 0 {
		return time.Now().Add(time.Duration(remainingSeconds) * time.Second)
	}
	if !expiresAt.IsZero() {
		return expiresAt
	}
	return time.Now().Add(c.cfg.DefaultAcceptTimeout)
}

func (c *Controller) emitTickGuard(flowID string) func(time.Duration) {
	return func(remaining time.Duration) {
		c.mu.Lock()
		stale := c.flowID != flowID
		c.mu.Unlock()
		if stale {
			return
		}
		if c.listener.OnCountdownTick != nil {
			c.listener.OnCountdownTick(remaining)
		}
	}
}

func (c *Controller) recordBalance(bal float64) {
	c.mu.Lock()
	c.lastBalance = bal
	c.mu.Unlock()
}

func (c *Controller) reportError(err error) {
	if c.listener.OnError != nil {
		c.listener.OnError(err)
	}
}
