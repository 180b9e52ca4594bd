package models

import "time"

// CallState represents the current state of the consultation flow
type CallState string

const (
	StateIdle       CallState = "IDLE"
	StateCalling    CallState = "CALLING"
	StateQueued     CallState = "QUEUED"
	StateConnecting CallState = "CONNECTING"
	StateActive     CallState = "ACTIVE"
	StateSummary    CallState = "SUMMARY"
)

// RequestStatus is the status vocabulary shared by the poll endpoint
// and the realtime channel
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
	StatusTimeout  RequestStatus = "timeout"

	// Queue-only statuses
	StatusWaiting  RequestStatus = "waiting"
	StatusNotified RequestStatus = "notified"
	StatusExpired  RequestStatus = "expired"
	StatusLeft     RequestStatus = "left"
)

// Terminal reports whether a status can never be followed by another one
// for the same id. Accepted counts: it ends the watch, not the flow.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusTimeout, StatusExpired, StatusLeft:
		return true
	}
	return false
}

// CallRequest is a pending call toward an astrologer, waiting for accept/reject
type CallRequest struct {
	RequestID      string        `json:"request_id"`
	AstrologerID   string        `json:"astrologer_id"`
	Status         RequestStatus `json:"status"`
	PricePerMinute float64       `json:"price_per_minute"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// QueueEntry is a waitlist slot for a busy astrologer
type QueueEntry struct {
	QueueID      string        `json:"queue_id"`
	AstrologerID string        `json:"astrologer_id"`
	Position     int           `json:"position"`
	Status       RequestStatus `json:"status"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// SessionDescriptor is issued by the backend when a request is accepted
type SessionDescriptor struct {
	SessionID       string    `json:"session_id"`
	TelephonyToken  string    `json:"telephony_token"`
	TelephonyRoomID string    `json:"telephony_room_id"`
	StartTime       time.Time `json:"start_time"`
	PricePerMinute  float64   `json:"price_per_minute"`
}

// ActiveSession is a connected, metered consultation in progress
type ActiveSession struct {
	SessionID       string    `json:"session_id"`
	AstrologerID    string    `json:"astrologer_id"`
	TelephonyToken  string    `json:"telephony_token"`
	TelephonyRoomID string    `json:"telephony_room_id"`
	StartTime       time.Time `json:"start_time"`
	PricePerMinute  float64   `json:"price_per_minute"`
	Status          CallState `json:"status"`
}

// CallSummary is the terminal artifact of a session, handed to the UI
// and to the rating action. Estimated is set when the backend was
// unreachable at end time and duration/cost were computed locally.
type CallSummary struct {
	SessionID        string        `json:"session_id"`
	Duration         time.Duration `json:"duration"`
	TotalCost        float64       `json:"total_cost"`
	RemainingBalance float64       `json:"remaining_balance"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Estimated        bool          `json:"estimated"`
}

// StatusUpdate is one signal from either the realtime channel or the poll
type StatusUpdate struct {
	Status   RequestStatus      `json:"status"`
	Position int                `json:"position,omitempty"`
	Session  *SessionDescriptor `json:"session,omitempty"`
}

// EndReason explains why a session terminated
type EndReason string

const (
	EndReasonUser                EndReason = "user"
	EndReasonAstrologer          EndReason = "astrologer"
	EndReasonInsufficientBalance EndReason = "insufficient_balance"
	EndReasonNetwork             EndReason = "network"
)
