package engine

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nakshatra-call/internal/backend"
	"nakshatra-call/internal/models"
	"nakshatra-call/internal/timer"
)

// ControlAPI is the local HTTP surface the presentation layer talks to.
// It is the only way in or out of the controller for a UI process.
type ControlAPI struct {
	ctl *Controller
}

func NewControlAPI(ctl *Controller) *ControlAPI {
	return &ControlAPI{ctl: ctl}
}

func (a *ControlAPI) Start(addr string) error {
	e := echo.New()
	e.HideBanner = true

	// CORS for the embedding webview
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST},
	}))

	// Metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// ─── Flow state ──────────────────────────────────────
	e.GET("/api/state", a.getState)

	// ─── Call lifecycle ──────────────────────────────────
	e.POST("/api/call", a.initiateCall)
	e.POST("/api/call/cancel", a.cancelCall)
	e.POST("/api/call/end", a.endCall)
	e.POST("/api/call/rate", a.rateCall)

	// ─── Queue ───────────────────────────────────────────
	e.POST("/api/queue", a.joinQueue)
	e.POST("/api/queue/leave", a.leaveQueue)
	e.POST("/api/queue/call-now", a.callFromQueue)

	// ─── Reset ───────────────────────────────────────────
	e.POST("/api/home", a.goHome)

	return e.Start(addr)
}

// Snapshot is a read-only view of the current flow, enough for a UI to
// re-render after backgrounding. Countdowns and elapsed time come from
// the wall clock, not tick counters.
type Snapshot struct {
	State              models.CallState      `json:"state"`
	FlowID             string                `json:"flow_id,omitempty"`
	Request            *models.CallRequest   `json:"request,omitempty"`
	Queue              *models.QueueEntry    `json:"queue,omitempty"`
	Session            *models.ActiveSession `json:"session,omitempty"`
	Summary            *models.CallSummary   `json:"summary,omitempty"`
	CountdownRemaining float64               `json:"countdown_remaining_seconds,omitempty"`
	SessionElapsed     float64               `json:"session_elapsed_seconds,omitempty"`
	LastError          string                `json:"last_error,omitempty"`
}

// Snapshot assembles the current view under the controller lock.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:  c.state,
		FlowID: c.flowID,
	}
	// Copies, not aliases: the controller keeps mutating its entities
	if c.request != nil {
		cp := *c.request
		snap.Request = &cp
	}
	if c.queueEntry != nil {
		cp := *c.queueEntry
		snap.Queue = &cp
	}
	if c.session != nil {
		cp := *c.session
		snap.Session = &cp
	}
	if c.summary != nil {
		cp := *c.summary
		snap.Summary = &cp
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	for _, name := range []string{timer.Accept, timer.Queue} {
		if remaining, ok := c.timers.Remaining(name); ok {
			snap.CountdownRemaining = remaining.Seconds()
			break
		}
	}
	if elapsed, ok := c.timers.Elapsed(timer.Duration); ok {
		snap.SessionElapsed = elapsed.Seconds()
	}
	return snap
}

func (a *ControlAPI) getState(c echo.Context) error {
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) initiateCall(c echo.Context) error {
	var body struct {
		AstrologerID string `json:"astrologer_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if body.AstrologerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "astrologer_id is required"})
	}
	if err := a.ctl.InitiateCall(c.Request().Context(), body.AstrologerID); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) cancelCall(c echo.Context) error {
	if err := a.ctl.CancelCall(c.Request().Context()); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) joinQueue(c echo.Context) error {
	var body struct {
		AstrologerID string `json:"astrologer_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if body.AstrologerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "astrologer_id is required"})
	}
	if err := a.ctl.JoinQueue(c.Request().Context(), body.AstrologerID); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) leaveQueue(c echo.Context) error {
	if err := a.ctl.LeaveQueue(c.Request().Context()); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) callFromQueue(c echo.Context) error {
	if err := a.ctl.CallFromQueue(c.Request().Context()); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) endCall(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	reason := models.EndReason(body.Reason)
	if reason == "" {
		reason = models.EndReasonUser
	}
	if err := a.ctl.EndCall(c.Request().Context(), reason); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

func (a *ControlAPI) rateCall(c echo.Context) error {
	var body struct {
		Rating int    `json:"rating"`
		Review string `json:"review"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if body.Rating < 1 || body.Rating > 5 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "rating must be 1-5"})
	}
	if err := a.ctl.RateCall(body.Rating, body.Review); err != nil {
		return apiError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (a *ControlAPI) goHome(c echo.Context) error {
	a.ctl.GoHome()
	return c.JSON(http.StatusOK, a.ctl.Snapshot())
}

// apiError maps the error taxonomy onto actionable HTTP responses
func apiError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, backend.ErrAstrologerBusy):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrAlreadyInQueue):
		status = http.StatusConflict
	case errors.Is(err, backend.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, backend.ErrRequestExpired):
		status = http.StatusGone
	case errors.Is(err, backend.ErrServer):
		status = http.StatusBadGateway
	case errors.Is(err, backend.ErrNetwork):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
