// Package refund models refund requests, the eligibility policy that gates
// them and the receivables opened when a clawback falls short.
package refund

import (
	"context"
	"time"

	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// State is the lifecycle state of a refund request.
type State string

const (
	StateRequested State = "REQUESTED"
	StateApproved  State = "APPROVED"
	StateApplied   State = "APPLIED"
	StateDenied    State = "DENIED"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool { return s == StateApplied || s == StateDenied }

// Request is a refund of one prior allocation.
type Request struct {
	types.Entity

	RequestID string `json:"request_id"`
	// OriginalReference is the reference as supplied by the caller: either
	// the allocation's transaction id or its request id.
	OriginalReference     string           `json:"original_reference"`
	OriginalTransactionID id.TransactionID `json:"original_transaction_id"`
	SpenderVaultID        vault.ID         `json:"spender_vault_id"`
	Amount                int64            `json:"amount"`

	Decision Eligibility `json:"decision"`
	State    State       `json:"state"`

	// TransactionID groups the refund legs; Nil for denied requests.
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	// Shortfall is the total amount that could not be clawed back.
	Shortfall   int64             `json:"shortfall"`
	Receivables []id.ReceivableID `json:"receivables,omitempty"`

	Replayed  bool      `json:"replayed"`
	DecidedAt time.Time `json:"decided_at"`
}

// ReceivableStatus tracks manual reconciliation of a shortfall.
type ReceivableStatus string

const (
	ReceivableOpen     ReceivableStatus = "open"
	ReceivableResolved ReceivableStatus = "resolved"
)

// Receivable records an amount a refund could not claw back from a vault.
// Treasury opens receivables; resolving them is an operator task.
type Receivable struct {
	ID                    id.ReceivableID  `json:"id"`
	VaultID               vault.ID         `json:"vault_id"`
	RefundRequestID       string           `json:"refund_request_id"`
	RefundTransactionID   id.TransactionID `json:"refund_transaction_id"`
	OriginalTransactionID id.TransactionID `json:"original_transaction_id"`
	Amount                int64            `json:"amount"`
	Status                ReceivableStatus `json:"status"`
	CreatedAt             time.Time        `json:"created_at"`
}

// DeliveryStatus is what the surrounding product knows about whether the
// content or service paid for by an allocation reached the spender.
type DeliveryStatus string

const (
	DeliveryUnknown      DeliveryStatus = "unknown"
	DeliveryNotDelivered DeliveryStatus = "not_delivered"
	DeliveryConfirmed    DeliveryStatus = "confirmed"
)

// DeliveryOracle reports the delivery status of an allocation.
type DeliveryOracle interface {
	DeliveryStatus(ctx context.Context, allocationRequestID string, transactionID id.TransactionID) (DeliveryStatus, error)
}

// DeliveryOracleFunc adapts a plain function to DeliveryOracle.
type DeliveryOracleFunc func(ctx context.Context, allocationRequestID string, transactionID id.TransactionID) (DeliveryStatus, error)

// DeliveryStatus implements DeliveryOracle.
func (f DeliveryOracleFunc) DeliveryStatus(ctx context.Context, allocationRequestID string, transactionID id.TransactionID) (DeliveryStatus, error) {
	return f(ctx, allocationRequestID, transactionID)
}

// UnknownDelivery is the default oracle; it never knows.
var UnknownDelivery DeliveryOracle = DeliveryOracleFunc(func(context.Context, string, id.TransactionID) (DeliveryStatus, error) {
	return DeliveryUnknown, nil
})
