package relay

import (
	"fmt"
	"net/http"
	"time"
)

// Kind is the stable classification string returned to clients.
type Kind string

const (
	KindMalformed         Kind = "MALFORMED_REQUEST"
	KindInvalidSignature  Kind = "INVALID_SIGNATURE"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindAlreadyProcessing Kind = "ALREADY_PROCESSING"
	KindReplayDetected    Kind = "REPLAY_DETECTED"
	KindChainUnavailable  Kind = "CHAIN_UNAVAILABLE"
	KindReverted          Kind = "REVERTED"
	KindTimedOut          Kind = "TIMED_OUT"
	KindInternal          Kind = "INTERNAL"
)

// HTTPStatus maps a kind to the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMalformed:
		return http.StatusBadRequest
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindAlreadyProcessing, KindReplayDetected:
		return http.StatusConflict
	case KindChainUnavailable, KindReverted, KindTimedOut:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the client may resend the same intent.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindAlreadyProcessing, KindChainUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified relay failure.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration // RATE_LIMITED only
	TxHash     string        // set once a transaction was submitted
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
