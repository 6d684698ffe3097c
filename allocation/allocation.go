// Package allocation defines the request and result types of the atomic
// spend operation: debit a spender, credit a creator and the platform.
package allocation

import (
	"fmt"
	"time"

	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/vault"
)

// Request asks the engine to move GrossAmount from a spender wallet to a
// creator and the platform. The split is not a request field; it is fixed
// by the engine's configuration.
type Request struct {
	// RequestID is the caller-supplied idempotency key.
	RequestID      string            `json:"request_id"`
	SpenderVaultID vault.ID          `json:"spender_vault_id"`
	CreatorVaultID vault.ID          `json:"creator_vault_id"`
	GrossAmount    int64             `json:"gross_amount"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request shape. It does not look at balances.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("allocation: request id is required")
	}
	if r.GrossAmount <= 0 {
		return fmt.Errorf("allocation: gross amount must be positive, got %d", r.GrossAmount)
	}
	if k, err := r.SpenderVaultID.Kind(); err != nil || k != vault.KindUserWallet {
		return fmt.Errorf("allocation: spender %q is not a user wallet", r.SpenderVaultID)
	}
	if k, err := r.CreatorVaultID.Kind(); err != nil || k != vault.KindCreator {
		return fmt.Errorf("allocation: creator %q is not a creator vault", r.CreatorVaultID)
	}
	return nil
}

// Status is the business outcome of an allocation.
type Status string

const (
	StatusSucceeded         Status = "succeeded"
	StatusInsufficientFunds Status = "insufficient_funds"
	StatusVaultFrozen       Status = "vault_frozen"
)

// Result is returned for every allocation attempt that reached a business
// decision. Callers branch on Status; errors are reserved for requests the
// system could not complete.
type Result struct {
	RequestID     string           `json:"request_id"`
	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	Status        Status           `json:"status"`

	Gross          int64 `json:"gross"`
	CreatorCredit  int64 `json:"creator_credit"`
	PlatformCredit int64 `json:"platform_credit"`

	// Balances holds the post-allocation balances of the three vaults
	// touched, keyed by vault id. Empty for rejected allocations.
	Balances map[vault.ID]vault.Balance `json:"balances,omitempty"`

	// FrozenVault names the vault that blocked the allocation.
	FrozenVault vault.ID `json:"frozen_vault,omitempty"`

	// Replayed is set when the result comes from the idempotency record.
	Replayed    bool      `json:"replayed"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Succeeded reports whether value moved.
func (r *Result) Succeeded() bool { return r.Status == StatusSucceeded }

// Purchase is the result of crediting purchased tokens to a user wallet.
type Purchase struct {
	RequestID     string           `json:"request_id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	WalletID      vault.ID         `json:"wallet_id"`
	Amount        int64            `json:"amount"`
	Balance       vault.Balance    `json:"balance"`
	Replayed      bool             `json:"replayed"`
	ProcessedAt   time.Time        `json:"processed_at"`
}
