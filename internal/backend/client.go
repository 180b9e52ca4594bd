package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"nakshatra-call/internal/auth"
	"nakshatra-call/internal/models"
)

// Client is a typed wrapper over the marketplace consultation API
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *auth.TokenSource
}

func NewClient(baseURL string, tokens *auth.TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// ─── Response shapes ──────────────────────────────────────────────

type BalanceCheck struct {
	CanStartCall   bool    `json:"can_start_call"`
	CurrentBalance float64 `json:"current_balance"`
	PricePerMinute float64 `json:"price_per_minute"`
	Shortfall      float64 `json:"shortfall,omitempty"`
}

type RequestTicket struct {
	RequestID        string               `json:"request_id"`
	Status           models.RequestStatus `json:"status"`
	ExpiresAt        time.Time            `json:"expires_at"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	PricePerMinute   float64              `json:"price_per_minute"`
}

type QueueTicket struct {
	QueueID          string    `json:"queue_id"`
	Position         int       `json:"position"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type SessionReceipt struct {
	Duration         string  `json:"duration"`
	DurationSeconds  int     `json:"duration_seconds"`
	TotalCost        float64 `json:"total_cost"`
	RemainingBalance float64 `json:"remaining_balance"`
}

// ─── Balance ──────────────────────────────────────────────────────

func (c *Client) ValidateBalance(ctx context.Context, astrologerID string) (*BalanceCheck, error) {
	var out BalanceCheck
	err := c.post(ctx, "/v1/call/validate-balance", map[string]string{"astrologer_id": astrologerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance fetches the authoritative wallet balance. Used by the balance
// monitor during an active session.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.get(ctx, "/v1/wallet/balance", &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// ─── Call requests ────────────────────────────────────────────────

func (c *Client) CreateRequest(ctx context.Context, astrologerID string) (*RequestTicket, error) {
	var out RequestTicket
	err := c.post(ctx, "/v1/call/request", map[string]string{"astrologer_id": astrologerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestStatus(ctx context.Context, requestID string) (*models.StatusUpdate, error) {
	var out models.StatusUpdate
	if err := c.get(ctx, "/v1/call/request/"+requestID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelRequest(ctx context.Context, requestID string) error {
	return c.post(ctx, "/v1/call/request/"+requestID+"/cancel", nil, nil)
}

// ─── Queue ────────────────────────────────────────────────────────

func (c *Client) JoinQueue(ctx context.Context, astrologerID string) (*QueueTicket, error) {
	var out QueueTicket
	err := c.post(ctx, "/v1/queue/join", map[string]string{"astrologer_id": astrologerID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueueStatus(ctx context.Context) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	if err := c.get(ctx, "/v1/queue", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueueEntryStatus resolves the status of one queue entry from the full
// queue listing. An entry missing from the listing has expired.
func (c *Client) QueueEntryStatus(ctx context.Context, queueID string) (*models.StatusUpdate, error) {
	entries, err := c.QueueStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.QueueID == queueID {
			return &models.StatusUpdate{Status: e.Status, Position: e.Position}, nil
		}
	}
	return &models.StatusUpdate{Status: models.StatusExpired}, nil
}

func (c *Client) LeaveQueue(ctx context.Context, queueID string) error {
	return c.post(ctx, "/v1/queue/"+queueID+"/leave", nil, nil)
}

func (c *Client) CallNow(ctx context.Context, queueID string) (*RequestTicket, error) {
	var out RequestTicket
	err := c.post(ctx, "/v1/queue/"+queueID+"/call-now", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Sessions ─────────────────────────────────────────────────────

// EndSession reports the end of a session. A 404 or 410 means the session
// is already gone server-side; that is success with no receipt, never an
// error (the caller falls back to a locally computed summary).
func (c *Client) EndSession(ctx context.Context, sessionID string, reason models.EndReason) (*SessionReceipt, error) {
	var out SessionReceipt
	err := c.post(ctx, "/v1/session/"+sessionID+"/end", map[string]string{"reason": string(reason)}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatus == http.StatusNotFound || apiErr.HTTPStatus == http.StatusGone) {
			log.Printf("[Backend] Session %s already ended server-side", sessionID)
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) RateSession(ctx context.Context, sessionID string, rating int, review string) error {
	body := map[string]interface{}{"rating": rating, "review": review}
	return c.post(ctx, "/v1/session/"+sessionID+"/rate", body, nil)
}

// ─── HTTP plumbing ────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		apiErr := &APIError{HTTPStatus: res.StatusCode}
		if decodeErr := json.NewDecoder(res.Body).Decode(apiErr); decodeErr != nil || apiErr.Code == "" {
			apiErr.Code = res.Status
			apiErr.Message = res.Status
		}
		if res.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrServer, apiErr.Message)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
