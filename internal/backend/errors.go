package backend

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAstrologerBusy      = errors.New("astrologer busy")
	ErrRequestExpired      = errors.New("request expired")
	ErrAlreadyInQueue      = errors.New("already in queue")
	ErrQueueFull           = errors.New("queue full")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrNetwork             = errors.New("network error")
	ErrServer              = errors.New("server error")
)

// APIError is a structured error response from the marketplace backend
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s (%s)", e.Message, e.Code)
}

// Unwrap maps backend error codes onto the sentinel taxonomy so callers
// can classify with errors.Is
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "INSUFFICIENT_BALANCE":
		return ErrInsufficientBalance
	case "ASTROLOGER_BUSY":
		return ErrAstrologerBusy
	case "REQUEST_EXPIRED":
		return ErrRequestExpired
	case "ALREADY_IN_QUEUE":
		return ErrAlreadyInQueue
	case "QUEUE_FULL":
		return ErrQueueFull
	}
	if e.HTTPStatus >= 500 {
		return ErrServer
	}
	return nil
}
