package relay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

// State is a step of the purchase relay state machine.
type State string

const (
	StateReceived          State = "received"
	StateValidated         State = "validated"
	StateSignatureVerified State = "signature_verified"
	StateRateLimitChecked  State = "rate_limit_checked"
	StateLockAcquired      State = "lock_acquired"
	StateReplayChecked     State = "replay_checked"
	StateNonceReserved     State = "nonce_reserved"
	StateSubmitted         State = "submitted"
	StateConfirmed         State = "confirmed"
	StateReverted          State = "reverted"
	StateTimedOut          State = "timed_out"
	StateLockReleased      State = "lock_released"
	StateTerminal          State = "terminal"
)

// Session is the per-request record of one relay attempt. It lives only for
// the duration of the request; its terminal outcome goes to the ledger.
type Session struct {
	ID       string
	Intent   *ticket.Intent
	ClientIP string
	Started  time.Time

	Signer       common.Address
	LockKey      string
	LockToken    string
	RelayerNonce *uint64
	TxHash       common.Hash
	TicketID     *big.Int

	States []State
	Err    *Error
}

func newSession(in *ticket.Intent, clientIP string, now time.Time) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Intent:   in,
		ClientIP: clientIP,
		Started:  now,
		States:   []State{StateReceived},
	}
}

func (s *Session) advance(st State) { s.States = append(s.States, st) }

// Reached reports whether the session passed through st.
func (s *Session) Reached(st State) bool {
	for _, v := range s.States {
		if v == st {
			return true
		}
	}
	return false
}

// State returns the latest state.
func (s *Session) State() State { return s.States[len(s.States)-1] }

// Outcome is the label used for metrics and logs.
func (s *Session) Outcome() string {
	if s.Err != nil {
		return string(s.Err.Kind)
	}
	return string(StateConfirmed)
}
