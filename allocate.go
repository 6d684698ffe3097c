package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Allocation
// ──────────────────────────────────────────────────

// Allocate moves req.GrossAmount out of the spender's wallet and splits it
// between the creator and the platform in one ledger transaction.
//
// Insufficient funds and frozen vaults are reported through Result.Status,
// not as errors, and are not recorded: the caller may fix the cause and
// retry with the same request id. A successful allocation is recorded, and
// every later call with the same request id returns it with Replayed set.
func (t *Treasury) Allocate(ctx context.Context, req allocation.Request) (*allocation.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	key := idemKey(idempotency.OpAllocate, req.RequestID)
	fp := idempotency.Fingerprint(idempotency.OpAllocate, req.SpenderVaultID, req.CreatorVaultID, req.GrossAmount)

	var (
		res       *allocation.Result
		committed []*entry.Entry
	)
	err := t.inTx(ctx, "allocate", func(ctx context.Context, tx store.Tx) error {
		res, committed = nil, nil

		var prior allocation.Result
		found, err := replay(ctx, tx, idempotency.OpAllocate, key, fp, &prior)
		if err != nil {
			return err
		}
		if found {
			prior.Replayed = true
			res = &prior
			return nil
		}

		now := t.now()
		p := newPosting(tx, req.RequestID, now)
		shares := t.split.Split(req.GrossAmount)
		r := &allocation.Result{
			RequestID:      req.RequestID,
			Gross:          req.GrossAmount,
			CreatorCredit:  shares.Creator,
			PlatformCredit: shares.Platform,
			ProcessedAt:    now,
		}

		for _, vid := range []vault.ID{req.SpenderVaultID, req.CreatorVaultID, vault.Platform} {
			v, err := p.load(ctx, vid)
			if err != nil {
				return err
			}
			if v.Frozen {
				r.Status = allocation.StatusVaultFrozen
				r.FrozenVault = vid
				res = r
				return nil
			}
		}
		if p.vaults[req.SpenderVaultID].Available < req.GrossAmount {
			r.Status = allocation.StatusInsufficientFunds
			res = r
			return nil
		}

		meta := req.Metadata
		if !req.Timestamp.IsZero() {
			meta = withMeta(req.Metadata, "requested_at", req.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		if _, err := p.leg(ctx, entry.Spend, req.SpenderVaultID, vault.Available, -req.GrossAmount, meta); err != nil {
			return err
		}
		if shares.Creator > 0 {
			if _, err := p.leg(ctx, entry.Earn, req.CreatorVaultID, vault.Available, shares.Creator, meta); err != nil {
				return err
			}
		}
		if shares.Platform > 0 {
			if _, err := p.leg(ctx, entry.Commission, vault.Platform, vault.Available, shares.Platform, meta); err != nil {
				return err
			}
		}

		r.Status = allocation.StatusSucceeded
		r.TransactionID = p.txnID
		r.Balances = p.balances()

		if err := p.flush(ctx); err != nil {
			return err
		}
		if err := remember(ctx, tx, idempotency.OpAllocate, key, fp, r, now); err != nil {
			return err
		}
		res, committed = r, p.entries
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Replayed:
		t.logger.Debug("allocation replayed", "request_id", req.RequestID, "transaction_id", res.TransactionID.String())
	case res.Succeeded():
		t.plugins.EmitEntriesCommitted(ctx, committed)
		t.plugins.EmitAllocated(ctx, res)
	default:
		t.logger.Warn("allocation rejected",
			"request_id", req.RequestID,
			"status", res.Status,
			"spender", req.SpenderVaultID,
			"frozen_vault", res.FrozenVault,
		)
		t.plugins.EmitAllocationRejected(ctx, res)
	}
	return res, nil
}

// Purchase credits amount purchased tokens to a user wallet. The same
// amount is credited to the hot reserve, which holds the funds backing
// every token in circulation.
func (t *Treasury) Purchase(ctx context.Context, requestID string, walletID vault.ID, amount int64) (*allocation.Purchase, error) {
	if requestID == "" {
		return nil, ValidationError{Field: "request_id", Message: "is required"}
	}
	if amount <= 0 {
		return nil, ValidationError{Field: "amount", Message: fmt.Sprintf("must be positive, got %d", amount)}
	}
	if k, err := walletID.Kind(); err != nil || k != vault.KindUserWallet {
		return nil, ValidationError{Field: "wallet_id", Message: fmt.Sprintf("%q is not a user wallet", walletID)}
	}

	key := idemKey(idempotency.OpPurchase, requestID)
	fp := idempotency.Fingerprint(idempotency.OpPurchase, walletID, amount)

	var (
		res       *allocation.Purchase
		committed []*entry.Entry
	)
	err := t.inTx(ctx, "purchase", func(ctx context.Context, tx store.Tx) error {
		res, committed = nil, nil

		var prior allocation.Purchase
		found, err := replay(ctx, tx, idempotency.OpPurchase, key, fp, &prior)
		if err != nil {
			return err
		}
		if found {
			prior.Replayed = true
			res = &prior
			return nil
		}

		now := t.now()
		p := newPosting(tx, requestID, now)
		if _, err := p.leg(ctx, entry.Purchase, walletID, vault.Available, amount, nil); err != nil {
			return err
		}
		if _, err := p.leg(ctx, entry.Purchase, vault.HotReserve, vault.Available, amount, nil); err != nil {
			return err
		}
		if err := p.flush(ctx); err != nil {
			return err
		}

		r := &allocation.Purchase{
			RequestID:     requestID,
			TransactionID: p.txnID,
			WalletID:      walletID,
			Amount:        amount,
			Balance:       p.vaults[walletID].Balance(),
			ProcessedAt:   now,
		}
		if err := remember(ctx, tx, idempotency.OpPurchase, key, fp, r, now); err != nil {
			return err
		}
		res, committed = r, p.entries
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Replayed {
		t.logger.Debug("purchase replayed", "request_id", requestID)
		return res, nil
	}
	t.plugins.EmitEntriesCommitted(ctx, committed)
	t.plugins.EmitPurchased(ctx, res)
	return res, nil
}
