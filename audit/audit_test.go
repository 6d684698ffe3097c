package audit_test

import (
	"testing"
	"time"

	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/vault"
)

type leg struct {
	p vault.Partition
	a int64
}

func entries(v vault.ID, from int64, legs ...leg) []*entry.Entry {
	out := make([]*entry.Entry, len(legs))
	for i, l := range legs {
		out[i] = &entry.Entry{VaultID: v, Partition: l.p, Amount: l.a, Sequence: from + int64(i) + 1, EventType: entry.Earn}
	}
	return out
}

func TestReconcileClean(t *testing.T) {
	now := time.Now()
	v := &vault.Vault{ID: vault.CreatorVault("a"), Kind: vault.KindCreator, Available: 35, Locked: 30, Sequence: 5}
	cp := &audit.Checkpoint{VaultID: v.ID, Sequence: 2, Available: 65}
	es := entries(v.ID, 2, leg{vault.Available, -30}, leg{vault.Locked, 30}, leg{vault.Available, 0})

	rep, found, next := audit.Reconcile(v, cp, es, now)
	if len(found) != 0 {
		t.Fatalf("unexpected discrepancies: %v", found)
	}
	if rep.Status != audit.StatusClean || rep.EntriesChecked != 3 || rep.FromSequence != 2 || rep.ToSequence != 5 {
		t.Errorf("report = %+v", rep)
	}
	if next == nil || next.Sequence != 5 || next.Available != 35 || next.Locked != 30 {
		t.Errorf("checkpoint = %+v", next)
	}
}

func TestReconcileNoCheckpoint(t *testing.T) {
	v := &vault.Vault{ID: vault.Platform, Kind: vault.KindPlatform, Available: 35, Sequence: 1}
	_, found, next := audit.Reconcile(v, nil, entries(v.ID, 0, leg{vault.Available, 35}), time.Now())
	if len(found) != 0 || next == nil {
		t.Fatalf("found=%v next=%v", found, next)
	}
}

func TestReconcileMismatch(t *testing.T) {
	v := &vault.Vault{ID: vault.CreatorVault("a"), Kind: vault.KindCreator, Available: 1000, Sequence: 1}
	rep, found, next := audit.Reconcile(v, nil, entries(v.ID, 0, leg{vault.Available, 65}), time.Now())
	if next != nil {
		t.Error("violated vault must not get a checkpoint")
	}
	if rep.Status != audit.StatusViolated {
		t.Errorf("status = %s", rep.Status)
	}
	if len(found) != 1 || found[0].Kind != audit.KindMismatch || found[0].Expected != 65 || found[0].Actual != 1000 {
		t.Errorf("found = %+v", found)
	}
}

func TestReconcileNegativeAndGap(t *testing.T) {
	v := &vault.Vault{ID: vault.UserWallet("u"), Kind: vault.KindUserWallet, Available: -5, Sequence: 3}
	es := []*entry.Entry{
		{VaultID: v.ID, Partition: vault.Available, Amount: -5, Sequence: 1},
		{VaultID: v.ID, Partition: vault.Available, Amount: 0, Sequence: 3},
	}
	_, found, _ := audit.Reconcile(v, nil, es, time.Now())

	kinds := map[audit.DiscrepancyKind]bool{}
	for _, d := range found {
		kinds[d.Kind] = true
	}
	if !kinds[audit.KindNegativeBalance] || !kinds[audit.KindSequenceGap] {
		t.Errorf("found = %+v", found)
	}
}

func TestReconcileProjectionAhead(t *testing.T) {
	v := &vault.Vault{ID: vault.Platform, Kind: vault.KindPlatform, Available: 0, Sequence: 4}
	cp := &audit.Checkpoint{VaultID: v.ID, Sequence: 4}
	_, found, _ := audit.Reconcile(v, cp, nil, time.Now())
	if len(found) != 0 {
		t.Errorf("unchanged vault should be clean: %+v", found)
	}

	v.Sequence = 5
	_, found, _ = audit.Reconcile(v, cp, nil, time.Now())
	if len(found) != 1 || found[0].Kind != audit.KindSequenceGap {
		t.Errorf("found = %+v", found)
	}
}

func TestReportBacking(t *testing.T) {
	now := time.Now()
	r := audit.NewReport(now)

	add := func(id vault.ID, kind vault.Kind, avail, locked int64) {
		v := &vault.Vault{ID: id, Kind: kind, Available: avail, Locked: locked}
		r.AddVault(v, audit.VaultReport{VaultID: id, Kind: kind, Status: audit.StatusClean}, []*entry.Entry{
			{EventType: entry.Purchase, Amount: avail + locked},
		}, nil)
	}
	add(vault.HotReserve, vault.KindHotReserve, 800, 0)
	add(vault.ColdReserve, vault.KindColdReserve, 200, 0)
	add(vault.UserWallet("u"), vault.KindUserWallet, 900, 0)
	add(vault.CreatorVault("c"), vault.KindCreator, 35, 30)
	add(vault.Platform, vault.KindPlatform, 45, 0)
	r.AddSkipped(vault.CreatorVault("busy"), vault.KindCreator)
	r.Finish(10, now)

	if r.Backing.Reserves != 1000 || r.Backing.Liabilities != 1010 || r.Backing.Gap != 0 {
		t.Errorf("backing = %+v", r.Backing)
	}
	if r.TotalsByEventType[entry.Purchase] != 2010 {
		t.Errorf("purchase total = %d", r.TotalsByEventType[entry.Purchase])
	}
	if got := r.TotalsByKind[vault.KindCreator]; got.Available != 35 || got.Locked != 30 {
		t.Errorf("creator totals = %+v", got)
	}
	if s := r.Skipped(); len(s) != 1 || s[0] != vault.CreatorVault("busy") {
		t.Errorf("skipped = %v", s)
	}
	if !r.Clean() {
		t.Error("report should be clean")
	}
}
