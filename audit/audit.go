// Package audit reconciles vault projections against the ledger.
//
// For each vault the auditor starts from the last checkpoint, folds every
// entry appended since, and compares the result to the materialized
// counters. Anything that does not line up is reported as a discrepancy
// and the vault is frozen. Nothing is ever corrected automatically.
package audit

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/vault"
)

// Checkpoint is a verified position in one vault's history.
type Checkpoint struct {
	VaultID   vault.ID  `json:"vault_id"`
	Sequence  int64     `json:"sequence"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	At        time.Time `json:"at"`
}

// DiscrepancyKind classifies an integrity failure.
type DiscrepancyKind string

const (
	KindMismatch        DiscrepancyKind = "projection_mismatch"
	KindNegativeBalance DiscrepancyKind = "negative_balance"
	KindSequenceGap     DiscrepancyKind = "sequence_gap"
)

// Discrepancy is one integrity failure on one vault.
type Discrepancy struct {
	VaultID   vault.ID        `json:"vault_id"`
	Kind      DiscrepancyKind `json:"kind"`
	Partition vault.Partition `json:"partition,omitempty"`
	// Expected is the ledger-derived value, Actual the projection.
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Detail   string `json:"detail"`
}

func (d Discrepancy) String() string {
	if d.Partition == "" {
		return fmt.Sprintf("%s %s: %s", d.VaultID, d.Kind, d.Detail)
	}
	return fmt.Sprintf("%s %s %s: ledger %d, projection %d", d.VaultID, d.Kind, d.Partition, d.Expected, d.Actual)
}

// VaultStatus is the audit outcome for one vault.
type VaultStatus string

const (
	StatusClean    VaultStatus = "clean"
	StatusViolated VaultStatus = "violated"
	StatusSkipped  VaultStatus = "skipped"
)

// VaultReport is the audit line for one vault.
type VaultReport struct {
	VaultID            vault.ID    `json:"vault_id"`
	Kind               vault.Kind  `json:"kind"`
	Status             VaultStatus `json:"status"`
	FromSequence       int64       `json:"from_sequence"`
	ToSequence         int64       `json:"to_sequence"`
	EntriesChecked     int         `json:"entries_checked"`
	FoldedAvailable    int64       `json:"folded_available"`
	FoldedLocked       int64       `json:"folded_locked"`
	ProjectedAvailable int64       `json:"projected_available"`
	ProjectedLocked    int64       `json:"projected_locked"`
	// Frozen is set when the vault is frozen after this audit.
	Frozen bool `json:"frozen"`
}

// Reconcile folds entries on top of cp and compares the result with v.
// A nil checkpoint means the vault has never been audited. The returned
// checkpoint is non-nil only when the vault is clean.
func Reconcile(v *vault.Vault, cp *Checkpoint, entries []*entry.Entry, now time.Time) (VaultReport, []Discrepancy, *Checkpoint) {
	var base Checkpoint
	if cp != nil {
		base = *cp
	}

	sums := entry.Fold(entries)
	rep := VaultReport{
		VaultID:            v.ID,
		Kind:               v.Kind,
		FromSequence:       base.Sequence,
		ToSequence:         base.Sequence,
		EntriesChecked:     len(entries),
		FoldedAvailable:    base.Available + sums.Available,
		FoldedLocked:       base.Locked + sums.Locked,
		ProjectedAvailable: v.Available,
		ProjectedLocked:    v.Locked,
	}

	var found []Discrepancy
	expected := base.Sequence
	for _, e := range entries {
		expected++
		if e.Sequence != expected {
			found = append(found, Discrepancy{
				VaultID: v.ID, Kind: KindSequenceGap, Expected: expected, Actual: e.Sequence,
				Detail: fmt.Sprintf("expected sequence %d, found %d", expected, e.Sequence),
			})
			break
		}
	}
	if n := len(entries); n > 0 {
		rep.ToSequence = entries[n-1].Sequence
	}
	if rep.ToSequence != v.Sequence {
		found = append(found, Discrepancy{
			VaultID: v.ID, Kind: KindSequenceGap, Expected: rep.ToSequence, Actual: v.Sequence,
			Detail: fmt.Sprintf("ledger ends at sequence %d, projection at %d", rep.ToSequence, v.Sequence),
		})
	}

	if rep.FoldedAvailable != v.Available {
		found = append(found, Discrepancy{
			VaultID: v.ID, Kind: KindMismatch, Partition: vault.Available,
			Expected: rep.FoldedAvailable, Actual: v.Available,
		})
	}
	if rep.FoldedLocked != v.Locked {
		found = append(found, Discrepancy{
			VaultID: v.ID, Kind: KindMismatch, Partition: vault.Locked,
			Expected: rep.FoldedLocked, Actual: v.Locked,
		})
	}
	for _, p := range []vault.Partition{vault.Available, vault.Locked} {
		if bal := v.Get(p); bal < 0 {
			found = append(found, Discrepancy{
				VaultID: v.ID, Kind: KindNegativeBalance, Partition: p, Expected: 0, Actual: bal,
			})
		}
	}

	if len(found) > 0 {
		rep.Status = StatusViolated
		return rep, found, nil
	}

	rep.Status = StatusClean
	rep.Frozen = v.Frozen
	return rep, nil, &Checkpoint{
		VaultID:   v.ID,
		Sequence:  v.Sequence,
		Available: v.Available,
		Locked:    v.Locked,
		At:        now.UTC(),
	}
}

// Backing compares reserve holdings with outstanding token liabilities.
// In a consistent system Gap is zero: every token held by a user, creator
// or the platform is backed by the reserves, except for shortfalls that
// are tracked as open receivables.
type Backing struct {
	Reserves        int64 `json:"reserves"`
	Liabilities     int64 `json:"liabilities"`
	OpenReceivables int64 `json:"open_receivables"`
	Gap             int64 `json:"gap"`
}

// Report is the result of one audit run.
type Report struct {
	ID          id.ReportID `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`

	Vaults []VaultReport `json:"vaults"`
	// TotalsByEventType sums the entries examined in this run.
	TotalsByEventType map[entry.EventType]int64 `json:"totals_by_event_type"`
	// TotalsByKind sums the projections per vault kind.
	TotalsByKind  map[vault.Kind]vault.Balance `json:"totals_by_kind"`
	Backing       Backing                      `json:"backing"`
	Discrepancies []Discrepancy                `json:"discrepancies"`
}

// NewReport starts an empty report.
func NewReport(now time.Time) *Report {
	return &Report{
		ID:                id.NewReportID(),
		StartedAt:         now.UTC(),
		TotalsByEventType: make(map[entry.EventType]int64),
		TotalsByKind:      make(map[vault.Kind]vault.Balance),
	}
}

// AddVault records the outcome of one vault audit.
func (r *Report) AddVault(v *vault.Vault, rep VaultReport, entries []*entry.Entry, found []Discrepancy) {
	r.Vaults = append(r.Vaults, rep)
	r.Discrepancies = append(r.Discrepancies, found...)
	for _, e := range entries {
		r.TotalsByEventType[e.EventType] += e.Amount
	}
	if v != nil {
		t := r.TotalsByKind[v.Kind]
		t.Available += v.Available
		t.Locked += v.Locked
		r.TotalsByKind[v.Kind] = t
	}
}

// AddSkipped records a vault the run could not lease.
func (r *Report) AddSkipped(vaultID vault.ID, kind vault.Kind) {
	r.Vaults = append(r.Vaults, VaultReport{VaultID: vaultID, Kind: kind, Status: StatusSkipped})
}

// Finish computes the reserve backing and stamps the completion time.
func (r *Report) Finish(openReceivables int64, now time.Time) {
	var b Backing
	for kind, bal := range r.TotalsByKind {
		if kind.IsReserve() {
			b.Reserves += bal.Total()
		} else {
			b.Liabilities += bal.Total()
		}
	}
	b.OpenReceivables = openReceivables
	b.Gap = b.Reserves - b.Liabilities + b.OpenReceivables
	r.Backing = b
	r.CompletedAt = now.UTC()
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	c := *r
	c.Vaults = slices.Clone(r.Vaults)
	c.TotalsByEventType = maps.Clone(r.TotalsByEventType)
	c.TotalsByKind = maps.Clone(r.TotalsByKind)
	c.Discrepancies = slices.Clone(r.Discrepancies)
	return &c
}

// Clean reports whether the run found no discrepancy.
func (r *Report) Clean() bool { return len(r.Discrepancies) == 0 }

// Skipped returns the vaults the run did not audit.
func (r *Report) Skipped() []vault.ID {
	var out []vault.ID
	for _, v := range r.Vaults {
		if v.Status == StatusSkipped {
			out = append(out, v.VaultID)
		}
	}
	return out
}
