package treasury

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Refunds
// ──────────────────────────────────────────────────

// Refund reverses one allocation. originalRef is either the allocation's
// transaction id or the request id the allocation was submitted with, and
// amount must equal the allocation's gross amount.
//
// The refund policy decides first. A denied refund is returned with
// State DENIED and its reason, and is recorded so a retry replays the
// denial. An eligible refund writes the inverse of every original leg in
// one transaction. When the creator or the platform no longer hold enough
// available funds, what is available is clawed back, an ADJUSTMENT entry
// records the shortfall on that vault and a receivable is opened for it.
func (t *Treasury) Refund(ctx context.Context, requestID, originalRef string, amount int64) (*refund.Request, error) {
	if requestID == "" {
		return nil, ValidationError{Field: "request_id", Message: "is required"}
	}
	if originalRef == "" {
		return nil, ValidationError{Field: "original_transaction_id", Message: "is required"}
	}
	if amount <= 0 {
		return nil, ValidationError{Field: "amount", Message: fmt.Sprintf("must be positive, got %d", amount)}
	}

	key := idemKey(idempotency.OpRefund, requestID)
	fp := idempotency.Fingerprint(idempotency.OpRefund, originalRef, amount)

	var (
		res         *refund.Request
		committed   []*entry.Entry
		receivables []*refund.Receivable
	)
	err := t.inTx(ctx, "refund", func(ctx context.Context, tx store.Tx) error {
		res, committed, receivables = nil, nil, nil

		var prior refund.Request
		found, err := replay(ctx, tx, idempotency.OpRefund, key, fp, &prior)
		if err != nil {
			return err
		}
		if found {
			prior.Replayed = true
			res = &prior
			return nil
		}

		txnID, err := t.resolveAllocation(ctx, tx, originalRef)
		if err != nil {
			return err
		}
		legs, err := tx.EntriesByTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		spend := findLeg(legs, entry.Spend)
		if spend == nil {
			if len(legs) == 0 {
				return fmt.Errorf("%w: %s", ErrTransactionNotFound, txnID)
			}
			return fmt.Errorf("%w: %s", ErrNotRefundable, txnID)
		}
		gross := -spend.Amount
		if amount != gross {
			return ValidationError{
				Field:   "amount",
				Message: fmt.Sprintf("refund of %d does not match the original allocation of %d", amount, gross),
			}
		}

		now := t.now()
		req := &refund.Request{
			Entity:                types.NewEntity(now),
			RequestID:             requestID,
			OriginalReference:     originalRef,
			OriginalTransactionID: txnID,
			SpenderVaultID:        spend.VaultID,
			Amount:                amount,
			State:                 refund.StateRequested,
		}

		facts := refund.Facts{OriginalAt: spend.CreatedAt, Now: now}
		switch _, err := tx.AppliedRefundFor(ctx, txnID); {
		case err == nil:
			facts.AlreadyRefunded = true
		case !errors.Is(err, ErrRefundNotFound):
			return err
		}
		if facts.AppliedInWindow, err = tx.CountAppliedRefunds(ctx, spend.VaultID, now.Add(-refund.CapWindow)); err != nil {
			return err
		}
		if facts.Delivery, err = t.delivery.DeliveryStatus(ctx, spend.RequestID, txnID); err != nil {
			return fmt.Errorf("treasury: delivery status of %s: %w", txnID, err)
		}

		req.Decision = t.refunds.Evaluate(facts)
		req.DecidedAt = now
		if !req.Decision.Eligible {
			req.State = refund.StateDenied
			if err := tx.PutRefund(ctx, req); err != nil {
				return err
			}
			if err := remember(ctx, tx, idempotency.OpRefund, key, fp, req, now); err != nil {
				return err
			}
			res = req
			return nil
		}
		req.State = refund.StateApproved

		p := newPosting(tx, requestID, now)
		p.original = txnID
		if _, err := p.leg(ctx, entry.Refund, spend.VaultID, vault.Available, gross, nil); err != nil {
			return err
		}
		for _, orig := range legs {
			var et entry.EventType
			switch orig.EventType {
			case entry.Earn:
				et = entry.RefundCreator
			case entry.Commission:
				et = entry.RefundCommission
			default:
				continue
			}
			rc, err := t.clawBack(ctx, p, et, orig)
			if err != nil {
				return err
			}
			if rc != nil {
				receivables = append(receivables, rc)
			}
		}

		for _, rc := range receivables {
			rc.RefundRequestID = requestID
			rc.RefundTransactionID = p.txnID
			req.Shortfall += rc.Amount
			req.Receivables = append(req.Receivables, rc.ID)
			if err := tx.PutReceivable(ctx, rc); err != nil {
				return err
			}
		}

		req.State = refund.StateApplied
		req.TransactionID = p.txnID
		req.Touch(now)

		if err := p.flush(ctx); err != nil {
			return err
		}
		if err := tx.PutRefund(ctx, req); err != nil {
			return err
		}
		if err := remember(ctx, tx, idempotency.OpRefund, key, fp, req, now); err != nil {
			return err
		}
		res, committed = req, p.entries
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Replayed:
		t.logger.Debug("refund replayed", "request_id", requestID, "state", res.State)
	case res.State == refund.StateDenied:
		t.logger.Warn("refund denied",
			"request_id", requestID,
			"original_transaction_id", res.OriginalTransactionID.String(),
			"reason", res.Decision.Reason,
		)
		t.plugins.EmitRefundDenied(ctx, res)
	default:
		t.plugins.EmitEntriesCommitted(ctx, committed)
		t.plugins.EmitRefundApplied(ctx, res)
		for _, rc := range receivables {
			t.logger.Warn("refund shortfall, receivable opened",
				"receivable_id", rc.ID.String(),
				"vault_id", rc.VaultID,
				"amount", rc.Amount,
			)
			t.plugins.EmitReceivableOpened(ctx, rc)
		}
	}
	return res, nil
}

// resolveAllocation maps a refund reference to the transaction id of a
// successful allocation.
func (t *Treasury) resolveAllocation(ctx context.Context, tx store.Tx, ref string) (id.TransactionID, error) {
	if txnID, err := id.ParseTransactionID(ref); err == nil {
		return txnID, nil
	}

	rec, err := tx.GetIdempotency(ctx, idemKey(idempotency.OpAllocate, ref))
	if errors.Is(err, ErrNotFound) {
		return id.Nil, fmt.Errorf("%w: no allocation with request id %q", ErrTransactionNotFound, ref)
	}
	if err != nil {
		return id.Nil, err
	}
	var res allocation.Result
	if err := rec.Decode(&res); err != nil {
		return id.Nil, err
	}
	if !res.Succeeded() || res.TransactionID.IsNil() {
		return id.Nil, fmt.Errorf("%w: allocation %q did not move funds", ErrNotRefundable, ref)
	}
	return res.TransactionID, nil
}

// clawBack debits orig's credit back from its vault. Whatever the vault
// cannot cover is recorded as an ADJUSTMENT and returned as a receivable.
func (t *Treasury) clawBack(ctx context.Context, p *posting, et entry.EventType, orig *entry.Entry) (*refund.Receivable, error) {
	v, err := p.load(ctx, orig.VaultID)
	if err != nil {
		return nil, err
	}
	take := types.Min(orig.Amount, v.Available)
	if take > 0 {
		if _, err := p.leg(ctx, et, orig.VaultID, vault.Available, -take, nil); err != nil {
			return nil, err
		}
	}

	shortfall := orig.Amount - take
	if shortfall == 0 {
		return nil, nil
	}
	meta := map[string]string{
		"shortfall":      strconv.FormatInt(shortfall, 10),
		"refunded_event": string(et),
	}
	if _, err := p.leg(ctx, entry.Adjustment, orig.VaultID, vault.Available, 0, meta); err != nil {
		return nil, err
	}
	return &refund.Receivable{
		ID:                    id.NewReceivableID(),
		VaultID:               orig.VaultID,
		OriginalTransactionID: orig.TransactionID,
		Amount:                shortfall,
		Status:                refund.ReceivableOpen,
		CreatedAt:             p.now,
	}, nil
}

func findLeg(legs []*entry.Entry, et entry.EventType) *entry.Entry {
	for _, e := range legs {
		if e.EventType == et {
			return e
		}
	}
	return nil
}

// GetRefund returns a refund request by its request id.
func (t *Treasury) GetRefund(ctx context.Context, requestID string) (*refund.Request, error) {
	return t.store.GetRefund(ctx, requestID)
}

// ListReceivables returns receivables with the given status; an empty
// status lists all of them.
func (t *Treasury) ListReceivables(ctx context.Context, status refund.ReceivableStatus) ([]*refund.Receivable, error) {
	return t.store.ListReceivables(ctx, status)
}
