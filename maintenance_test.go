package treasury_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/lease"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/vault"
)

func smallReserve() treasury.Config {
	cfg := testConfig()
	cfg.Reserve = reserve.Config{HotMax: 100, HotTarget: 50, HotMin: 10}
	return cfg
}

// ──────────────────────────────────────────────────
// Rebalancing
// ──────────────────────────────────────────────────

func TestRebalanceMovesBetweenReserves(t *testing.T) {
	f := newFixtureWithConfig(t, smallReserve())
	ctx := context.Background()
	f.fund(alice, 1000)
	f.allocate("req1", 100)

	move, err := f.tr.Rebalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if move.Action != reserve.ActionMove || move.Direction != reserve.HotToCold || move.Amount != 950 {
		t.Fatalf("move = %+v", move)
	}
	f.expect(vault.HotReserve, 50, 0)
	f.expect(vault.ColdReserve, 950, 0)
	f.expectConserved()

	// Drain the hot reserve below its minimum with a payout.
	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 45); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops"); err != nil {
		t.Fatal(err)
	}
	f.expect(vault.HotReserve, 5, 0)

	move, err = f.tr.Rebalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if move.Direction != reserve.ColdToHot || move.Amount != 45 || move.HotAfter != 50 || move.ColdAfter != 905 {
		t.Fatalf("refill = %+v", move)
	}
	f.expectConserved()

	move, err = f.tr.Rebalance(ctx)
	if err != nil || move.Action != reserve.ActionNone {
		t.Errorf("third run = %+v, %v", move, err)
	}
	if len(f.rec.moves) != 2 {
		t.Errorf("OnReserveRebalanced fired %d times", len(f.rec.moves))
	}

	page, err := f.tr.GetLedgerHistory(ctx, vault.ColdReserve, entry.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.Entries[0].EventType != entry.HotToCold || page.Entries[1].EventType != entry.ColdToHot {
		t.Errorf("cold reserve history = %+v", page.Entries)
	}
}

func TestRebalanceAlertsWhenColdIsShort(t *testing.T) {
	f := newFixtureWithConfig(t, smallReserve())
	f.fund(alice, 5)

	move, err := f.tr.Rebalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if move.Action != reserve.ActionAlert || move.Amount != 45 {
		t.Fatalf("move = %+v", move)
	}
	f.expect(vault.HotReserve, 5, 0)
	if len(f.rec.alerts) != 1 || f.rec.alerts[0].Needed != 45 {
		t.Errorf("alerts = %+v", f.rec.alerts)
	}
}

func TestRebalanceSkipsWhenLeaseHeld(t *testing.T) {
	locker := lease.NewLocal()
	f := newFixtureWithConfig(t, smallReserve(), treasury.WithLocker(locker))
	ctx := context.Background()
	f.fund(alice, 1000)

	held, err := locker.Acquire(ctx, lease.Key(vault.ColdReserve), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	move, err := f.tr.Rebalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !move.Skipped {
		t.Fatalf("move = %+v", move)
	}
	f.expect(vault.HotReserve, 1000, 0)

	// The hot lease taken before the cold one failed was given back.
	if l, err := locker.Acquire(ctx, lease.Key(vault.HotReserve), time.Minute); err != nil {
		t.Errorf("hot lease still held: %v", err)
	} else {
		_ = l.Release(ctx)
	}

	_ = held.Release(ctx)
	move, err = f.tr.Rebalance(ctx)
	if err != nil || move.Skipped || move.Action != reserve.ActionMove {
		t.Errorf("after release = %+v, %v", move, err)
	}
}

// ──────────────────────────────────────────────────
// Auditing
// ──────────────────────────────────────────────────

func TestAuditClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(alice, 1000)
	f.allocate("req1", 100)

	rep, err := f.tr.Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Clean() || len(rep.Skipped()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Vaults) != 4 {
		t.Errorf("vaults audited = %d, want 4", len(rep.Vaults))
	}
	if rep.Backing.Reserves != 1000 || rep.Backing.Liabilities != 1000 || rep.Backing.Gap != 0 {
		t.Errorf("backing = %+v", rep.Backing)
	}
	if rep.TotalsByEventType[entry.Spend] != -100 || rep.TotalsByEventType[entry.Earn] != 65 {
		t.Errorf("totals = %v", rep.TotalsByEventType)
	}

	latest, err := f.tr.LatestReport(ctx)
	if err != nil || latest.ID != rep.ID {
		t.Errorf("LatestReport = %+v, %v", latest, err)
	}

	// The next run starts from the checkpoints and only sees new entries.
	f.allocate("req2", 10)
	rep, err = f.tr.Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalsByEventType[entry.Spend] != -10 || rep.TotalsByEventType[entry.Purchase] != 0 {
		t.Errorf("incremental totals = %v", rep.TotalsByEventType)
	}
	if f.rec.reports != 2 {
		t.Errorf("OnAuditCompleted fired %d times", f.rec.reports)
	}
}

func TestAuditFreezesTamperedVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(alice, 1000)
	f.allocate("req1", 100)

	if err := f.store.TamperVault(creator, 999, 0); err != nil {
		t.Fatal(err)
	}
	rep, err := f.tr.Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Clean() {
		t.Fatal("tampered vault passed the audit")
	}
	d := rep.Discrepancies[0]
	if d.VaultID != creator || d.Kind != audit.KindMismatch || d.Expected != 65 || d.Actual != 999 {
		t.Errorf("discrepancy = %+v", d)
	}
	if len(f.rec.violations) != 1 {
		t.Errorf("OnIntegrityViolation fired %d times", len(f.rec.violations))
	}

	v, err := f.tr.GetVault(ctx, creator)
	if err != nil || !v.Frozen {
		t.Fatalf("vault = %+v, %v", v, err)
	}
	// The projection is left as found.
	if v.Available != 999 {
		t.Errorf("frozen vault was corrected to %d", v.Available)
	}

	res := f.allocate("req2", 10)
	if res.Status != allocation.StatusVaultFrozen || res.FrozenVault != creator {
		t.Errorf("allocation into frozen vault = %+v", res)
	}
	f.expect(alice, 900, 0)

	p, err := f.tr.RequestPayout(ctx, "po", "ana", 10)
	if err != nil || p.State != payout.StateRejected || p.Checks[0].Reason != "vault_frozen" {
		t.Errorf("payout from frozen vault = %+v, %v", p, err)
	}

	// Re-auditing a frozen vault reports it again without a new freeze.
	if _, err := f.tr.Audit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.rec.violations) != 1 {
		t.Errorf("violation re-emitted for an already frozen vault")
	}

	if _, err := f.tr.UnfreezeVault(ctx, creator, "ops"); !errors.Is(err, treasury.ErrIntegrityViolation) {
		t.Fatalf("unfreeze of a mismatched vault: expected ErrIntegrityViolation, got %v", err)
	}

	if err := f.store.TamperVault(creator, 65, 0); err != nil {
		t.Fatal(err)
	}
	line, err := f.tr.UnfreezeVault(ctx, creator, "ops")
	if err != nil || line.Frozen {
		t.Fatalf("unfreeze = %+v, %v", line, err)
	}
	if res := f.allocate("req3", 10); !res.Succeeded() {
		t.Errorf("allocation after unfreeze = %+v", res)
	}
	f.expectConserved()
}

func TestAuditSkipsLeasedVault(t *testing.T) {
	locker := lease.NewLocal()
	f := newFixture(t, treasury.WithLocker(locker))
	ctx := context.Background()
	f.fund(alice, 100)

	held, err := locker.Acquire(ctx, lease.Key(vault.HotReserve), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(ctx)

	rep, err := f.tr.Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	skipped := rep.Skipped()
	if len(skipped) != 1 || skipped[0] != vault.HotReserve {
		t.Errorf("skipped = %v", skipped)
	}

	if _, err := f.tr.UnfreezeVault(ctx, vault.HotReserve, "ops"); !errors.Is(err, treasury.ErrTransactionContention) {
		t.Errorf("unfreeze under lease: expected ErrTransactionContention, got %v", err)
	}
}
