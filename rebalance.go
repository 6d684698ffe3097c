package treasury

import (
	"context"
	"errors"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/lease"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Reserve rebalancing
// ──────────────────────────────────────────────────

// Rebalance brings the hot reserve back within its configured bounds by
// moving funds to or from the cold reserve. It only ever touches the two
// reserve vaults, so total supply is unchanged.
//
// The run takes the hot and then the cold reserve lease. If either is held
// by another run or by the auditor, the run is skipped and the returned
// move has Skipped set. When the cold reserve cannot refill the hot one,
// nothing moves and a reserve alert is raised.
func (t *Treasury) Rebalance(ctx context.Context) (*reserve.Move, error) {
	leases, err := lease.AcquireAll(ctx, t.locker, t.config.LeaseTTL,
		lease.Key(vault.HotReserve), lease.Key(vault.ColdReserve))
	if errors.Is(err, lease.ErrHeld) {
		t.logger.Warn("rebalance skipped, reserve lease held")
		return &reserve.Move{
			Plan:    reserve.Plan{Action: reserve.ActionNone, Reason: "lease_held"},
			Skipped: true,
			At:      t.now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	defer lease.ReleaseAll(ctx, leases)

	var (
		move      *reserve.Move
		committed []*entry.Entry
	)
	err = t.inTx(ctx, "rebalance", func(ctx context.Context, tx store.Tx) error {
		move, committed = nil, nil

		now := t.now()
		p := newPosting(tx, "", now)
		p.requestID = "rebalance:" + p.txnID.String()

		hot, err := p.load(ctx, vault.HotReserve)
		if err != nil {
			return err
		}
		cold, err := p.load(ctx, vault.ColdReserve)
		if err != nil {
			return err
		}

		plan := t.config.Reserve.Plan(hot.Available, cold.Available)
		m := &reserve.Move{
			Plan:       plan,
			HotBefore:  hot.Available,
			ColdBefore: cold.Available,
			HotAfter:   hot.Available,
			ColdAfter:  cold.Available,
			At:         now,
		}
		if plan.Action != reserve.ActionMove {
			move = m
			return nil
		}

		meta := map[string]string{"reason": plan.Reason}
		et := plan.Direction.EventType()
		if _, err := p.leg(ctx, et, plan.Direction.From(), vault.Available, -plan.Amount, meta); err != nil {
			return err
		}
		if _, err := p.leg(ctx, et, plan.Direction.To(), vault.Available, plan.Amount, meta); err != nil {
			return err
		}
		if err := p.flush(ctx); err != nil {
			return err
		}

		m.TransactionID = p.txnID
		m.HotAfter = p.vaults[vault.HotReserve].Available
		m.ColdAfter = p.vaults[vault.ColdReserve].Available
		move, committed = m, p.entries
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch move.Action {
	case reserve.ActionMove:
		t.logger.Info("reserve rebalanced",
			"direction", move.Direction,
			"amount", move.Amount,
			"hot_after", move.HotAfter,
			"cold_after", move.ColdAfter,
		)
		t.plugins.EmitEntriesCommitted(ctx, committed)
		t.plugins.EmitReserveRebalanced(ctx, move)
	case reserve.ActionAlert:
		alert := &reserve.Alert{
			Hot:    move.HotBefore,
			Cold:   move.ColdBefore,
			Needed: move.Amount,
			Reason: move.Reason,
			At:     move.At,
		}
		t.logger.Error("reserve alert, cold reserve cannot refill hot reserve",
			"hot", alert.Hot,
			"cold", alert.Cold,
			"needed", alert.Needed,
		)
		t.plugins.EmitReserveAlert(ctx, alert)
	}
	return move, nil
}
