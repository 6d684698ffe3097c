package treasury

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/safety"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Payouts
// ──────────────────────────────────────────────────

// RequestPayout runs the safety pipeline for a creator withdrawal. When
// every check passes, amount moves from the creator's available partition
// to the locked partition in the same transaction and the request is
// LOCKED. When a check fails the request is REJECTED with the results of
// every check attempted. Both outcomes are recorded; a retry with the same
// request id returns the request in its current state.
func (t *Treasury) RequestPayout(ctx context.Context, requestID, creatorID string, amount int64) (*payout.Request, error) {
	if requestID == "" {
		return nil, ValidationError{Field: "request_id", Message: "is required"}
	}
	if creatorID == "" {
		return nil, ValidationError{Field: "creator_id", Message: "is required"}
	}
	if amount <= 0 {
		return nil, ValidationError{Field: "amount", Message: fmt.Sprintf("must be positive, got %d", amount)}
	}

	vaultID := vault.CreatorVault(creatorID)
	key := idemKey(idempotency.OpPayoutRequest, requestID)
	fp := idempotency.Fingerprint(idempotency.OpPayoutRequest, creatorID, amount)

	var (
		res       *payout.Request
		committed []*entry.Entry
	)
	err := t.inTx(ctx, "payout.request", func(ctx context.Context, tx store.Tx) error {
		res, committed = nil, nil

		found, err := replay(ctx, tx, idempotency.OpPayoutRequest, key, fp, nil)
		if err != nil {
			return err
		}
		if found {
			cur, err := tx.GetPayout(ctx, requestID)
			if err != nil {
				return err
			}
			cur.Replayed = true
			res = cur
			return nil
		}

		now := t.now()
		req := &payout.Request{
			Entity:    types.NewEntity(now),
			RequestID: requestID,
			CreatorID: creatorID,
			VaultID:   vaultID,
			Amount:    amount,
			State:     payout.StateRequested,
		}
		if err := req.Transition(payout.StateSafetyCheck, now); err != nil {
			return err
		}

		subject := &safety.Subject{RequestID: requestID, CreatorID: creatorID, Amount: amount}
		switch v, err := tx.GetVault(ctx, vaultID); {
		case err == nil:
			subject.Vault = v
		case !errors.Is(err, ErrVaultNotFound):
			return err
		}

		outcome, err := t.safety.Run(ctx, subject)
		if err != nil {
			return fmt.Errorf("treasury: payout %s: %w", requestID, err)
		}
		req.Checks = outcome.Results

		if !outcome.Passed {
			req.RejectedBy = outcome.FailedCheck
			if err := req.Transition(payout.StateRejected, now); err != nil {
				return err
			}
		} else {
			p := newPosting(tx, requestID, now)
			if _, err := p.leg(ctx, entry.PayoutLock, vaultID, vault.Available, -amount, nil); err != nil {
				return err
			}
			if _, err := p.leg(ctx, entry.PayoutLock, vaultID, vault.Locked, amount, nil); err != nil {
				return err
			}
			if err := p.flush(ctx); err != nil {
				return err
			}
			req.LockTransactionID = p.txnID
			if err := req.Transition(payout.StateLocked, now); err != nil {
				return err
			}
			committed = p.entries
		}

		if err := tx.PutPayout(ctx, req); err != nil {
			return err
		}
		if err := remember(ctx, tx, idempotency.OpPayoutRequest, key, fp, req, now); err != nil {
			return err
		}
		res = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Replayed:
		t.logger.Debug("payout request replayed", "request_id", requestID, "state", res.State)
	case res.State == payout.StateRejected:
		t.logger.Warn("payout rejected by safety check",
			"request_id", requestID,
			"creator_id", creatorID,
			"check", res.RejectedBy,
		)
		t.plugins.EmitPayoutRejected(ctx, res)
	default:
		for _, adv := range advisories(res.Checks) {
			t.logger.Warn("payout advisory",
				"request_id", requestID,
				"check", adv.Check,
				"reason", adv.Reason,
				"score", adv.Score,
			)
		}
		t.plugins.EmitEntriesCommitted(ctx, committed)
		t.plugins.EmitPayoutLocked(ctx, res)
	}
	return res, nil
}

// DecidePayout approves or rejects a LOCKED payout. Approval releases the
// locked funds out of the system, drawing the hot reserve that funds the
// external rail. When hot holds less than the payout, the shortfall moves
// from the cold reserve (COLD_TO_HOT) in the same transaction; if both
// reserves together cannot cover it the request stays LOCKED and
// ErrInsufficientLiquidity is returned. Rejection returns the locked funds
// to the creator's available partition.
//
// Repeating the decision already taken returns the request; any other
// transition fails with ErrInvalidTransition.
func (t *Treasury) DecidePayout(ctx context.Context, requestID string, decision payout.Decision, decidedBy string) (*payout.Request, error) {
	if requestID == "" {
		return nil, ValidationError{Field: "request_id", Message: "is required"}
	}
	if !decision.Valid() {
		return nil, ValidationError{Field: "decision", Message: fmt.Sprintf("unknown decision %q", decision)}
	}

	key := idemKey(idempotency.OpPayoutDecision, requestID)
	fp := idempotency.Fingerprint(idempotency.OpPayoutDecision, decision)

	var (
		res       *payout.Request
		committed []*entry.Entry
		drawn     int64
	)
	err := t.inTx(ctx, "payout.decision", func(ctx context.Context, tx store.Tx) error {
		res, committed, drawn = nil, nil, 0

		found, err := replay(ctx, tx, idempotency.OpPayoutDecision, key, fp, nil)
		if errors.Is(err, ErrIdempotencyConflict) {
			return fmt.Errorf("%w: payout %q was already decided: %w", ErrInvalidTransition, requestID, err)
		}
		if err != nil {
			return err
		}

		req, err := tx.GetPayout(ctx, requestID)
		if err != nil {
			return err
		}
		if found {
			req.Replayed = true
			res = req
			return nil
		}

		now := t.now()
		if err := req.Transition(decision.Target(), now); err != nil {
			return err
		}

		p := newPosting(tx, requestID, now)
		switch decision {
		case payout.Approve:
			hot, err := p.load(ctx, vault.HotReserve)
			if err != nil {
				return err
			}
			if short := req.Amount - hot.Available; short > 0 {
				cold, err := p.load(ctx, vault.ColdReserve)
				if err != nil {
					return err
				}
				if cold.Available < short {
					return fmt.Errorf("%w: payout %q needs %d, reserves hold %d hot and %d cold",
						ErrInsufficientLiquidity, requestID, req.Amount, hot.Available, cold.Available)
				}
				meta := map[string]string{"reason": "payout_release", "payout_request_id": requestID}
				if _, err := p.leg(ctx, entry.ColdToHot, vault.ColdReserve, vault.Available, -short, meta); err != nil {
					return err
				}
				if _, err := p.leg(ctx, entry.ColdToHot, vault.HotReserve, vault.Available, short, meta); err != nil {
					return err
				}
				drawn = short
			}
			if _, err := p.leg(ctx, entry.PayoutRelease, req.VaultID, vault.Locked, -req.Amount, nil); err != nil {
				return err
			}
			if _, err := p.leg(ctx, entry.PayoutRelease, vault.HotReserve, vault.Available, -req.Amount, nil); err != nil {
				return err
			}
		case payout.Reject:
			if _, err := p.leg(ctx, entry.PayoutRefund, req.VaultID, vault.Locked, -req.Amount, nil); err != nil {
				return err
			}
			if _, err := p.leg(ctx, entry.PayoutRefund, req.VaultID, vault.Available, req.Amount, nil); err != nil {
				return err
			}
		}
		if err := p.flush(ctx); err != nil {
			return err
		}

		req.Decision = decision
		req.DecidedAt = now
		req.DecidedBy = decidedBy
		req.DecisionTransactionID = p.txnID

		if err := tx.PutPayout(ctx, req); err != nil {
			return err
		}
		if err := remember(ctx, tx, idempotency.OpPayoutDecision, key, fp, req, now); err != nil {
			return err
		}
		res, committed = req, p.entries
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientLiquidity) {
			t.logger.Warn("payout release deferred", "request_id", requestID, "error", err)
		}
		return nil, err
	}

	if res.Replayed {
		t.logger.Debug("payout decision replayed", "request_id", requestID, "decision", decision)
		return res, nil
	}
	if drawn > 0 {
		t.logger.Info("hot reserve topped up from cold for payout",
			"request_id", requestID,
			"amount", drawn,
		)
	}
	t.plugins.EmitEntriesCommitted(ctx, committed)
	if res.State == payout.StateReleased {
		t.plugins.EmitPayoutReleased(ctx, res)
	} else {
		t.plugins.EmitPayoutRejected(ctx, res)
	}
	return res, nil
}

// GetPayout returns a payout request by its request id.
func (t *Treasury) GetPayout(ctx context.Context, requestID string) (*payout.Request, error) {
	return t.store.GetPayout(ctx, requestID)
}

func advisories(results []safety.Result) []safety.Result {
	return safety.Outcome{Results: results}.Advisories()
}
