// Package payout models creator withdrawals and the state machine that
// guards them.
//
//	REQUESTED -> SAFETY_CHECK -> LOCKED -> RELEASED
//	                 |              |
//	                 +-> REJECTED <-+
//
// RELEASED and REJECTED are terminal.
package payout

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/safety"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// ErrInvalidTransition is returned for any transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("payout: invalid state transition")

// State is the lifecycle state of a payout request.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateSafetyCheck State = "SAFETY_CHECK"
	StateLocked      State = "LOCKED"
	StateReleased    State = "RELEASED"
	StateRejected    State = "REJECTED"
)

var transitions = map[State][]State{
	StateRequested:   {StateSafetyCheck},
	StateSafetyCheck: {StateLocked, StateRejected},
	StateLocked:      {StateReleased, StateRejected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is RELEASED or REJECTED.
func (s State) IsTerminal() bool { return s == StateReleased || s == StateRejected }

// Decision is the external verdict on a locked payout.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool { return d == Approve || d == Reject }

// Target returns the state a decision leads to.
func (d Decision) Target() State {
	if d == Approve {
		return StateReleased
	}
	return StateRejected
}

// Request is one creator withdrawal.
type Request struct {
	types.Entity

	RequestID string   `json:"request_id"`
	CreatorID string   `json:"creator_id"`
	VaultID   vault.ID `json:"vault_id"`
	Amount    int64    `json:"amount"`
	State     State    `json:"state"`

	// Checks holds every safety check attempted, in pipeline order.
	Checks []safety.Result `json:"checks"`
	// RejectedBy names the check that failed the gate, if any.
	RejectedBy string `json:"rejected_by,omitempty"`

	LockTransactionID     id.TransactionID `json:"lock_transaction_id,omitempty"`
	DecisionTransactionID id.TransactionID `json:"decision_transaction_id,omitempty"`

	Decision  Decision  `json:"decision,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`

	Replayed bool `json:"replayed"`
}

// Transition moves r to the next state or returns ErrInvalidTransition.
func (r *Request) Transition(to State, now time.Time) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s for payout %q", ErrInvalidTransition, r.State, to, r.RequestID)
	}
	r.State = to
	r.Touch(now)
	return nil
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	c.Checks = append([]safety.Result(nil), r.Checks...)
	return &c
}
