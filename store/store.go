// Package store defines the persistence contract of Treasury.
//
// All balance-affecting work happens inside RunInTx: the engine reads the
// vault projections, appends ledger entries, writes the updated projections
// and the idempotency record through one Tx, and the store commits all of it
// atomically or none of it. Stores report serialization failures with
// treasury.ErrTransactionConflict; the engine retries those.
package store

import (
	"context"
	"time"

	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/vault"
)

// TxFunc is a unit of work. It may run more than once when the store
// reports a conflict, so it must not leak state between attempts.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the unified storage interface for Treasury.
type Store interface {
	// RunInTx executes fn atomically. If fn returns an error nothing is
	// committed and the error is returned unchanged.
	RunInTx(ctx context.Context, fn TxFunc) error

	// Read-only projections, outside any unit of work.
	GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error)
	ListVaults(ctx context.Context) ([]*vault.Vault, error)
	// ListEntries returns up to opts.PageSize()+1 entries of one vault in
	// ascending sequence order.
	ListEntries(ctx context.Context, vaultID vault.ID, opts entry.ListOpts) ([]*entry.Entry, error)
	GetPayout(ctx context.Context, requestID string) (*payout.Request, error)
	GetRefund(ctx context.Context, requestID string) (*refund.Request, error)
	ListReceivables(ctx context.Context, status refund.ReceivableStatus) ([]*refund.Receivable, error)

	// Audit reports.
	SaveReport(ctx context.Context, r *audit.Report) error
	LatestReport(ctx context.Context) (*audit.Report, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the unit-of-work view of the store.
type Tx interface {
	// GetVault returns the projection of a vault, or
	// treasury.ErrVaultNotFound. Implementations that lock pessimistically
	// lock the row here.
	GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error)
	// PutVault inserts (Version 0) or updates the projection. It fails
	// with treasury.ErrTransactionConflict when the stored version moved
	// since it was read, and bumps v.Version on success.
	PutVault(ctx context.Context, v *vault.Vault) error

	AppendEntries(ctx context.Context, entries ...*entry.Entry) error
	EntriesByTransaction(ctx context.Context, txnID id.TransactionID) ([]*entry.Entry, error)
	// EntriesAfter returns the entries of a vault with a sequence greater
	// than afterSequence, in ascending order.
	EntriesAfter(ctx context.Context, vaultID vault.ID, afterSequence int64) ([]*entry.Entry, error)

	// GetIdempotency returns treasury.ErrNotFound for an unused key.
	GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error)
	// PutIdempotency inserts a record. A concurrent insert of the same key
	// surfaces as treasury.ErrTransactionConflict.
	PutIdempotency(ctx context.Context, rec *idempotency.Record) error

	GetPayout(ctx context.Context, requestID string) (*payout.Request, error)
	PutPayout(ctx context.Context, p *payout.Request) error

	GetRefund(ctx context.Context, requestID string) (*refund.Request, error)
	PutRefund(ctx context.Context, r *refund.Request) error
	// AppliedRefundFor returns the applied refund of an original
	// transaction, or treasury.ErrRefundNotFound.
	AppliedRefundFor(ctx context.Context, originalTxnID id.TransactionID) (*refund.Request, error)
	// CountAppliedRefunds counts the spender's refunds applied at or
	// after since.
	CountAppliedRefunds(ctx context.Context, spender vault.ID, since time.Time) (int, error)
	PutReceivable(ctx context.Context, r *refund.Receivable) error

	// GetCheckpoint returns treasury.ErrNotFound for a vault never audited.
	GetCheckpoint(ctx context.Context, vaultID vault.ID) (*audit.Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp *audit.Checkpoint) error
}
