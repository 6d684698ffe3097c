// Package memory provides an in-memory store.Store with optimistic
// concurrency control. It is intended for tests and embedded use.
//
// A unit of work reads committed state, buffers its writes and records the
// version of every key it observed. Commit re-validates those versions
// under the store lock; if any moved, the whole unit of work is discarded
// with treasury.ErrTransactionConflict.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/vault"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store is an in-memory Treasury store.
type Store struct {
	mu     sync.RWMutex
	closed bool

	// versions holds the commit version of every versioned key.
	versions map[string]int64

	vaults map[vault.ID]*vault.Vault

	// Ledger, indexed by vault and by transaction.
	entries      []*entry.Entry
	byVault      map[vault.ID][]*entry.Entry
	byTxn        map[string][]*entry.Entry
	idempotency  map[string]*idempotency.Record
	payouts      map[string]*payout.Request
	refunds      map[string]*refund.Request
	appliedByTxn map[string]string // original txn -> refund request id
	receivables  []*refund.Receivable
	checkpoints  map[vault.ID]*audit.Checkpoint
	reports      []*audit.Report
}

// New creates an empty store.
func New() *Store {
	return &Store{
		versions:     make(map[string]int64),
		vaults:       make(map[vault.ID]*vault.Vault),
		byVault:      make(map[vault.ID][]*entry.Entry),
		byTxn:        make(map[string][]*entry.Entry),
		idempotency:  make(map[string]*idempotency.Record),
		payouts:      make(map[string]*payout.Request),
		refunds:      make(map[string]*refund.Request),
		appliedByTxn: make(map[string]string),
		checkpoints:  make(map[vault.ID]*audit.Checkpoint),
	}
}

// Versioned key helpers.
func vaultKey(v vault.ID) string           { return "vault:" + string(v) }
func idemKey(k string) string              { return "idem:" + k }
func payoutKey(k string) string            { return "payout:" + k }
func refundKey(k string) string            { return "refund:" + k }
func appliedKey(t id.TransactionID) string { return "applied:" + t.String() }
func spenderKey(v vault.ID) string         { return "spender-refunds:" + string(v) }
func checkpointKey(v vault.ID) string      { return "checkpoint:" + string(v) }

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return treasury.ErrStoreClosed
	}

	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

// ==================== Read-only projections ====================

func (s *Store) GetVault(_ context.Context, vaultID vault.ID) (*vault.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.vaults[vaultID]; ok {
		return v.Clone(), nil
	}
	return nil, treasury.ErrVaultNotFound
}

func (s *Store) ListVaults(_ context.Context) ([]*vault.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*vault.Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListEntries(_ context.Context, vaultID vault.ID, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.PageSize() + 1
	out := make([]*entry.Entry, 0)
	for _, e := range s.byVault[vaultID] {
		if !opts.Matches(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetPayout(_ context.Context, requestID string) (*payout.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.payouts[requestID]; ok {
		return p.Clone(), nil
	}
	return nil, treasury.ErrPayoutNotFound
}

func (s *Store) GetRefund(_ context.Context, requestID string) (*refund.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.refunds[requestID]; ok {
		return cloneRefund(r), nil
	}
	return nil, treasury.ErrRefundNotFound
}

func (s *Store) ListReceivables(_ context.Context, status refund.ReceivableStatus) ([]*refund.Receivable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*refund.Receivable, 0)
	for _, r := range s.receivables {
		if status == "" || r.Status == status {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) SaveReport(_ context.Context, r *audit.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, r.Clone())
	return nil
}

func (s *Store) LatestReport(_ context.Context) (*audit.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.reports) == 0 {
		return nil, treasury.ErrNotFound
	}
	return s.reports[len(s.reports)-1].Clone(), nil
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds while the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return treasury.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed; later units of work fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ==================== Unit of work ====================

type tx struct {
	s *Store

	// reads is the read set: key -> version observed.
	reads map[string]int64
	// bumps lists keys whose version the commit advances.
	bumps map[string]bool

	vaults      map[vault.ID]*vault.Vault
	entries     []*entry.Entry
	idempotency map[string]*idempotency.Record
	payouts     map[string]*payout.Request
	refunds     map[string]*refund.Request
	receivables []*refund.Receivable
	checkpoints map[vault.ID]*audit.Checkpoint
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		reads:       make(map[string]int64),
		bumps:       make(map[string]bool),
		vaults:      make(map[vault.ID]*vault.Vault),
		idempotency: make(map[string]*idempotency.Record),
		payouts:     make(map[string]*payout.Request),
		refunds:     make(map[string]*refund.Request),
		checkpoints: make(map[vault.ID]*audit.Checkpoint),
	}
}

// observe records the committed version of key. Caller holds s.mu.
func (t *tx) observe(key string) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = t.s.versions[key]
	}
}

func (t *tx) GetVault(_ context.Context, vaultID vault.ID) (*vault.Vault, error) {
	if v, ok := t.vaults[vaultID]; ok {
		return v.Clone(), nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(vaultKey(vaultID))
	if v, ok := t.s.vaults[vaultID]; ok {
		return v.Clone(), nil
	}
	return nil, treasury.ErrVaultNotFound
}

func (t *tx) PutVault(_ context.Context, v *vault.Vault) error {
	t.s.mu.RLock()
	t.observe(vaultKey(v.ID))
	seen := t.reads[vaultKey(v.ID)]
	t.s.mu.RUnlock()

	if _, written := t.vaults[v.ID]; !written && v.Version != seen {
		return fmt.Errorf("%w: vault %s at version %d, expected %d", treasury.ErrTransactionConflict, v.ID, seen, v.Version)
	}
	t.vaults[v.ID] = v.Clone()
	t.bumps[vaultKey(v.ID)] = true
	v.Version = seen + 1
	return nil
}

func (t *tx) AppendEntries(_ context.Context, entries ...*entry.Entry) error {
	for _, e := range entries {
		t.entries = append(t.entries, cloneEntry(e))
	}
	return nil
}

func (t *tx) EntriesByTransaction(_ context.Context, txnID id.TransactionID) ([]*entry.Entry, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make([]*entry.Entry, 0)
	for _, e := range t.s.byTxn[txnID.String()] {
		out = append(out, cloneEntry(e))
	}
	for _, e := range t.entries {
		if e.TransactionID.String() == txnID.String() {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (t *tx) EntriesAfter(_ context.Context, vaultID vault.ID, afterSequence int64) ([]*entry.Entry, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(vaultKey(vaultID))
	committed := t.s.byVault[vaultID]
	i := sort.Search(len(committed), func(i int) bool { return committed[i].Sequence > afterSequence })
	out := make([]*entry.Entry, 0, len(committed)-i)
	for _, e := range committed[i:] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (t *tx) GetIdempotency(_ context.Context, key string) (*idempotency.Record, error) {
	if r, ok := t.idempotency[key]; ok {
		c := *r
		return &c, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(idemKey(key))
	if r, ok := t.s.idempotency[key]; ok {
		c := *r
		return &c, nil
	}
	return nil, treasury.ErrNotFound
}

func (t *tx) PutIdempotency(_ context.Context, rec *idempotency.Record) error {
	t.s.mu.RLock()
	t.observe(idemKey(rec.Key))
	_, exists := t.s.idempotency[rec.Key]
	t.s.mu.RUnlock()

	if exists {
		return fmt.Errorf("%w: idempotency key %q already recorded", treasury.ErrTransactionConflict, rec.Key)
	}
	c := *rec
	t.idempotency[rec.Key] = &c
	t.bumps[idemKey(rec.Key)] = true
	return nil
}

func (t *tx) GetPayout(_ context.Context, requestID string) (*payout.Request, error) {
	if p, ok := t.payouts[requestID]; ok {
		return p.Clone(), nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(payoutKey(requestID))
	if p, ok := t.s.payouts[requestID]; ok {
		return p.Clone(), nil
	}
	return nil, treasury.ErrPayoutNotFound
}

func (t *tx) PutPayout(_ context.Context, p *payout.Request) error {
	t.s.mu.RLock()
	t.observe(payoutKey(p.RequestID))
	t.s.mu.RUnlock()

	t.payouts[p.RequestID] = p.Clone()
	t.bumps[payoutKey(p.RequestID)] = true
	return nil
}

func (t *tx) GetRefund(_ context.Context, requestID string) (*refund.Request, error) {
	if r, ok := t.refunds[requestID]; ok {
		return cloneRefund(r), nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(refundKey(requestID))
	if r, ok := t.s.refunds[requestID]; ok {
		return cloneRefund(r), nil
	}
	return nil, treasury.ErrRefundNotFound
}

func (t *tx) PutRefund(_ context.Context, r *refund.Request) error {
	t.s.mu.RLock()
	t.observe(refundKey(r.RequestID))
	if r.State == refund.StateApplied {
		t.observe(appliedKey(r.OriginalTransactionID))
		t.observe(spenderKey(r.SpenderVaultID))
	}
	t.s.mu.RUnlock()

	t.refunds[r.RequestID] = cloneRefund(r)
	t.bumps[refundKey(r.RequestID)] = true
	if r.State == refund.StateApplied {
		t.bumps[appliedKey(r.OriginalTransactionID)] = true
		t.bumps[spenderKey(r.SpenderVaultID)] = true
	}
	return nil
}

func (t *tx) AppliedRefundFor(_ context.Context, originalTxnID id.TransactionID) (*refund.Request, error) {
	for _, r := range t.refunds {
		if r.State == refund.StateApplied && r.OriginalTransactionID.String() == originalTxnID.String() {
			return cloneRefund(r), nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(appliedKey(originalTxnID))
	if reqID, ok := t.s.appliedByTxn[originalTxnID.String()]; ok {
		return cloneRefund(t.s.refunds[reqID]), nil
	}
	return nil, treasury.ErrRefundNotFound
}

func (t *tx) CountAppliedRefunds(_ context.Context, spender vault.ID, since time.Time) (int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(spenderKey(spender))
	n := 0
	for _, r := range t.s.refunds {
		if r.SpenderVaultID == spender && r.State == refund.StateApplied && !r.DecidedAt.Before(since) {
			n++
		}
	}
	for _, r := range t.refunds {
		if _, committed := t.s.refunds[r.RequestID]; !committed &&
			r.SpenderVaultID == spender && r.State == refund.StateApplied && !r.DecidedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *tx) PutReceivable(_ context.Context, r *refund.Receivable) error {
	c := *r
	t.receivables = append(t.receivables, &c)
	return nil
}

func (t *tx) GetCheckpoint(_ context.Context, vaultID vault.ID) (*audit.Checkpoint, error) {
	if cp, ok := t.checkpoints[vaultID]; ok {
		c := *cp
		return &c, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(checkpointKey(vaultID))
	if cp, ok := t.s.checkpoints[vaultID]; ok {
		c := *cp
		return &c, nil
	}
	return nil, treasury.ErrNotFound
}

func (t *tx) PutCheckpoint(_ context.Context, cp *audit.Checkpoint) error {
	t.s.mu.RLock()
	t.observe(checkpointKey(cp.VaultID))
	t.s.mu.RUnlock()

	c := *cp
	t.checkpoints[cp.VaultID] = &c
	t.bumps[checkpointKey(cp.VaultID)] = true
	return nil
}

// commit validates the read set and applies the buffered writes.
func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return treasury.ErrStoreClosed
	}
	for key, seen := range t.reads {
		if s.versions[key] != seen {
			return fmt.Errorf("%w: %s changed during transaction", treasury.ErrTransactionConflict, key)
		}
	}

	for key := range t.bumps {
		s.versions[key]++
	}
	for vid, v := range t.vaults {
		c := v.Clone()
		c.Version = s.versions[vaultKey(vid)]
		s.vaults[vid] = c
	}
	for _, e := range t.entries {
		s.entries = append(s.entries, e)
		s.byVault[e.VaultID] = append(s.byVault[e.VaultID], e)
		s.byTxn[e.TransactionID.String()] = append(s.byTxn[e.TransactionID.String()], e)
	}
	maps.Copy(s.idempotency, t.idempotency)
	maps.Copy(s.payouts, t.payouts)
	for k, r := range t.refunds {
		s.refunds[k] = r
		if r.State == refund.StateApplied {
			s.appliedByTxn[r.OriginalTransactionID.String()] = r.RequestID
		}
	}
	s.receivables = append(s.receivables, t.receivables...)
	maps.Copy(s.checkpoints, t.checkpoints)
	return nil
}

// ==================== Helpers ====================

func cloneEntry(e *entry.Entry) *entry.Entry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

func cloneRefund(r *refund.Request) *refund.Request {
	c := *r
	c.Receivables = slices.Clone(r.Receivables)
	return &c
}

// TamperVault overwrites a vault projection without a ledger entry and
// without touching its version. It exists so tests can simulate storage
// corruption for the integrity auditor.
func (s *Store) TamperVault(vaultID vault.ID, available, locked int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[vaultID]
	if !ok {
		return treasury.ErrVaultNotFound
	}
	v.Available = available
	v.Locked = locked
	return nil
}
