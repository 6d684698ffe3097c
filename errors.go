package treasury

import (
	"errors"
	"fmt"

	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/vault"
)

// Sentinel errors for common failure scenarios.
//
// Business rejections (insufficient funds, ineligible refunds, failed
// safety checks) are result values, not errors. An error from a Treasury
// operation means the system could not complete the request.
var (
	// General errors
	ErrNotFound      = errors.New("treasury: not found")
	ErrAlreadyExists = errors.New("treasury: already exists")
	ErrInvalidInput  = errors.New("treasury: invalid input")
	ErrInvalidConfig = errors.New("treasury: invalid configuration")

	// Vault errors
	ErrVaultNotFound   = errors.New("treasury: vault not found")
	ErrVaultFrozen     = errors.New("treasury: vault is frozen")
	ErrNegativeBalance = vault.ErrNegativeBalance

	// Transaction errors
	ErrTransactionNotFound   = errors.New("treasury: transaction not found")
	ErrTransactionConflict   = errors.New("treasury: transaction conflict")
	ErrTransactionContention = errors.New("treasury: transaction contention, retry with the same request id")
	ErrIdempotencyConflict   = idempotency.ErrConflict

	// Refund errors
	ErrRefundNotFound = errors.New("treasury: refund not found")
	ErrNotRefundable  = errors.New("treasury: transaction is not a refundable allocation")

	// Payout errors
	ErrPayoutNotFound        = errors.New("treasury: payout not found")
	ErrInvalidTransition     = payout.ErrInvalidTransition
	ErrInsufficientLiquidity = errors.New("treasury: hot reserve cannot fund payout")

	// Integrity errors
	ErrIntegrityViolation = errors.New("treasury: integrity violation")

	// Store errors
	ErrStoreClosed     = errors.New("treasury: store is closed")
	ErrMigrationFailed = errors.New("treasury: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("treasury: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap makes every ValidationError match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "treasury: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("treasury: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns e when it holds errors and nil otherwise.
func (e MultiError) ErrorOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrVaultNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrRefundNotFound) ||
		errors.Is(err, ErrPayoutNotFound)
}

// IsRetryable returns true if the caller should retry with the same
// request id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrTransactionContention) ||
		errors.Is(err, ErrInsufficientLiquidity)
}

// IsContractViolation returns true for errors caused by the caller misusing
// the API rather than by the system failing: invalid input, reused request
// ids and illegal payout transitions.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotRefundable)
}
