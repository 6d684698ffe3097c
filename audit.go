package treasury

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/lease"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Integrity audit
// ──────────────────────────────────────────────────

// Audit reconciles every vault projection against its ledger entries.
//
// Each vault is checked in its own transaction under the vault's lease:
// the entries appended since the last checkpoint are folded onto it and
// compared with the projection. A clean vault gets a new checkpoint. A
// vault that does not reconcile is frozen, never corrected, and reported
// through OnIntegrityViolation. Vaults whose lease is held are reported as
// skipped. The report is persisted through the store.
func (t *Treasury) Audit(ctx context.Context) (*audit.Report, error) {
	rep := audit.NewReport(t.now())

	vaults, err := t.store.ListVaults(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range vaults {
		if err := t.auditVault(ctx, rep, v); err != nil {
			return nil, err
		}
	}

	open, err := t.store.ListReceivables(ctx, refund.ReceivableOpen)
	if err != nil {
		return nil, err
	}
	var owed int64
	for _, rc := range open {
		owed += rc.Amount
	}
	rep.Finish(owed, t.now())

	if err := t.store.SaveReport(ctx, rep); err != nil {
		return nil, fmt.Errorf("treasury: save audit report: %w", err)
	}

	attrs := []any{
		"report_id", rep.ID.String(),
		"vaults", len(rep.Vaults),
		"discrepancies", len(rep.Discrepancies),
		"skipped", len(rep.Skipped()),
		"backing_gap", rep.Backing.Gap,
	}
	switch {
	case !rep.Clean():
		t.logger.Error("audit completed with discrepancies", attrs...)
	case rep.Backing.Gap != 0 && len(rep.Skipped()) == 0:
		t.logger.Error("audit completed, reserves do not back liabilities", attrs...)
	default:
		t.logger.Info("audit completed", attrs...)
	}
	t.plugins.EmitAuditCompleted(ctx, rep)
	return rep, nil
}

func (t *Treasury) auditVault(ctx context.Context, rep *audit.Report, v *vault.Vault) error {
	l, err := t.locker.Acquire(ctx, lease.Key(v.ID), t.config.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		t.logger.Warn("audit skipped vault, lease held", "vault_id", v.ID)
		rep.AddSkipped(v.ID, v.Kind)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			t.logger.Warn("lease release failed", "key", l.Key(), "error", err)
		}
	}()

	var (
		cur     *vault.Vault
		line    audit.VaultReport
		found   []audit.Discrepancy
		entries []*entry.Entry
		froze   bool
	)
	err = t.inTx(ctx, "audit", func(ctx context.Context, tx store.Tx) error {
		cur, found, entries, froze = nil, nil, nil, false

		now := t.now()
		var err error
		if cur, err = tx.GetVault(ctx, v.ID); err != nil {
			return err
		}
		cp, from, err := checkpoint(ctx, tx, v.ID)
		if err != nil {
			return err
		}
		if entries, err = tx.EntriesAfter(ctx, v.ID, from); err != nil {
			return err
		}

		var next *audit.Checkpoint
		line, found, next = audit.Reconcile(cur, cp, entries, now)
		if len(found) > 0 {
			line.Frozen = true
			if !cur.Frozen {
				cur.Freeze(freezeReason(found))
				cur.Touch(now)
				if err := tx.PutVault(ctx, cur); err != nil {
					return err
				}
				froze = true
			}
			return nil
		}
		return tx.PutCheckpoint(ctx, next)
	})
	if err != nil {
		return fmt.Errorf("treasury: audit vault %s: %w", v.ID, err)
	}

	rep.AddVault(cur, line, entries, found)
	if froze {
		t.logger.Error("integrity violation, vault frozen",
			"vault_id", cur.ID,
			"reason", cur.FrozenReason,
			"discrepancies", len(found),
		)
		t.plugins.EmitIntegrityViolation(ctx, found)
	}
	return nil
}

// UnfreezeVault clears the freeze on a vault once it reconciles against
// its ledger again. It returns ErrIntegrityViolation while the projection
// still disagrees with the entries.
func (t *Treasury) UnfreezeVault(ctx context.Context, vaultID vault.ID, operator string) (*audit.VaultReport, error) {
	l, err := t.locker.Acquire(ctx, lease.Key(vaultID), t.config.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return nil, fmt.Errorf("%w: vault %s is being audited or rebalanced", ErrTransactionContention, vaultID)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			t.logger.Warn("lease release failed", "key", l.Key(), "error", err)
		}
	}()

	var (
		line     audit.VaultReport
		unfrozen bool
	)
	err = t.inTx(ctx, "unfreeze", func(ctx context.Context, tx store.Tx) error {
		unfrozen = false

		now := t.now()
		v, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		cp, from, err := checkpoint(ctx, tx, vaultID)
		if err != nil {
			return err
		}
		entries, err := tx.EntriesAfter(ctx, vaultID, from)
		if err != nil {
			return err
		}

		var (
			found []audit.Discrepancy
			next  *audit.Checkpoint
		)
		line, found, next = audit.Reconcile(v, cp, entries, now)
		if len(found) > 0 {
			return fmt.Errorf("%w: %s", ErrIntegrityViolation, found[0])
		}
		if !v.Frozen {
			return nil
		}

		v.Unfreeze()
		v.Touch(now)
		if err := tx.PutVault(ctx, v); err != nil {
			return err
		}
		line.Frozen = false
		unfrozen = true
		return tx.PutCheckpoint(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	if unfrozen {
		t.logger.Info("vault unfrozen", "vault_id", vaultID, "operator", operator)
	}
	return &line, nil
}

// LatestReport returns the most recent persisted audit report.
func (t *Treasury) LatestReport(ctx context.Context) (*audit.Report, error) {
	return t.store.LatestReport(ctx)
}

// checkpoint loads the last verified position of a vault. A vault never
// audited starts from sequence zero.
func checkpoint(ctx context.Context, tx store.Tx, vaultID vault.ID) (*audit.Checkpoint, int64, error) {
	cp, err := tx.GetCheckpoint(ctx, vaultID)
	if errors.Is(err, ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return cp, cp.Sequence, nil
}

func freezeReason(found []audit.Discrepancy) string {
	kinds := make([]string, 0, len(found))
	seen := make(map[audit.DiscrepancyKind]bool)
	for _, d := range found {
		if !seen[d.Kind] {
			seen[d.Kind] = true
			kinds = append(kinds, string(d.Kind))
		}
	}
	return "integrity: " + strings.Join(kinds, ",")
}
