// Package treasury provides a multi-vault token treasury and settlement
// engine for Go applications.
//
// Treasury is designed as a library, not a service. Import it into the
// application that owns the product logic and call its operations
// directly. It provides:
//
//   - Atomic allocation of a spend between creator and platform vaults
//   - An append-only, double-sided ledger with per-vault sequences
//   - Idempotent operations keyed by caller request ids
//   - Policy-gated refunds with shortfall tracking
//   - A pluggable payout safety gate with lock, release and reject
//   - Hot/cold reserve rebalancing and a scheduled integrity auditor
//
// # Quick Start
//
// Create a treasury over a store:
//
//	import (
//	    "github.com/xraph/treasury"
//	    "github.com/xraph/treasury/store/postgres"
//	)
//
//	store := postgres.New(groveDB, pgxPool)
//
//	t, err := treasury.New(store,
//	    treasury.WithConfig(cfg),
//	    treasury.WithSafetyProviders(providers),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Start migrates the store and schedules the background jobs
//	if err := t.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Stop()
//
// # Core Concepts
//
// Every token lives in a vault: a user wallet, a creator vault, the
// platform vault, or one of the two reserves. Vault balances are
// projections of the ledger; every change is an entry, and the entries of
// one operation share a transaction id.
//
// Purchases bring tokens into circulation and fund the hot reserve:
//
//	_, err := t.Purchase(ctx, "pay-778", treasury.UserWallet("u1"), 1000)
//
// Allocations split a spend with the configured creator share:
//
//	res, err := t.Allocate(ctx, allocation.Request{
//	    RequestID:      "req-1",
//	    SpenderVaultID: treasury.UserWallet("u1"),
//	    CreatorVaultID: treasury.CreatorVault("c1"),
//	    GrossAmount:    100,
//	})
//	if res.Status == allocation.StatusInsufficientFunds {
//	    // ask the user to top up
//	}
//
// Business outcomes such as insufficient funds, a denied refund or a failed
// safety check come back as result values. Errors mean the request could
// not be completed; errors for which IsRetryable reports true may be
// retried with the same request id.
//
// # Consistency
//
// Each operation runs as one store transaction: the ledger entries, the
// vault projections and the idempotency record commit together or not at
// all. Conflicting transactions are retried with exponential backoff.
// The auditor folds the ledger from the last checkpoint and freezes any
// vault whose projection disagrees with it.
//
// # Stores
//
// store/memory keeps everything in process and is what the tests use.
// store/postgres, store/mongo and store/sqlite persist through Grove ORM
// and run their units of work on pgx, mongo-driver sessions and modernc
// SQLite respectively.
//
// # TypeID
//
// Entries, transactions, receivables and reports use TypeIDs:
//
//	lent_01h2xcejqtf2nbrexx3vqjhp41  // Ledger entry
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Transaction
//	rcv_01h455vb4pex5vsknk084sn02q   // Receivable
//	rpt_01h455vb4pex5vsknk084sn02q   // Audit report
package treasury
