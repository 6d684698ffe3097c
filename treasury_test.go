package treasury_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/store/memory"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

var (
	alice   = vault.UserWallet("alice")
	creator = vault.CreatorVault("ana")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures plugin hooks.
type recorder struct {
	mu          sync.Mutex
	committed   int
	allocated   int
	rejected    int
	refunds     []*refund.Request
	receivables []*refund.Receivable
	payouts     map[string]payout.State
	moves       []*reserve.Move
	alerts      []*reserve.Alert
	violations  [][]audit.Discrepancy
	reports     int
	contention  []int
	lifecycle   []string
}

func newRecorder() *recorder { return &recorder{payouts: make(map[string]payout.State)} }

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) record(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	return nil
}

func (r *recorder) OnInit(context.Context, any) error {
	return r.record(func() { r.lifecycle = append(r.lifecycle, "init") })
}

func (r *recorder) OnConfigLoaded(_ context.Context, fp string) error {
	return r.record(func() { r.lifecycle = append(r.lifecycle, "config:"+fp) })
}

func (r *recorder) OnShutdown(context.Context) error {
	return r.record(func() { r.lifecycle = append(r.lifecycle, "shutdown") })
}

func (r *recorder) OnEntriesCommitted(_ context.Context, e []*entry.Entry) error {
	return r.record(func() { r.committed += len(e) })
}

func (r *recorder) OnAllocated(context.Context, *allocation.Result) error {
	return r.record(func() { r.allocated++ })
}

func (r *recorder) OnAllocationRejected(context.Context, *allocation.Result) error {
	return r.record(func() { r.rejected++ })
}

func (r *recorder) OnRefundApplied(_ context.Context, req *refund.Request) error {
	return r.record(func() { r.refunds = append(r.refunds, req) })
}

func (r *recorder) OnRefundDenied(_ context.Context, req *refund.Request) error {
	return r.record(func() { r.refunds = append(r.refunds, req) })
}

func (r *recorder) OnReceivableOpened(_ context.Context, rc *refund.Receivable) error {
	return r.record(func() { r.receivables = append(r.receivables, rc) })
}

func (r *recorder) OnPayoutLocked(_ context.Context, p *payout.Request) error {
	return r.record(func() { r.payouts[p.RequestID] = p.State })
}

func (r *recorder) OnPayoutReleased(_ context.Context, p *payout.Request) error {
	return r.record(func() { r.payouts[p.RequestID] = p.State })
}

func (r *recorder) OnPayoutRejected(_ context.Context, p *payout.Request) error {
	return r.record(func() { r.payouts[p.RequestID] = p.State })
}

func (r *recorder) OnReserveRebalanced(_ context.Context, m *reserve.Move) error {
	return r.record(func() { r.moves = append(r.moves, m) })
}

func (r *recorder) OnReserveAlert(_ context.Context, a *reserve.Alert) error {
	return r.record(func() { r.alerts = append(r.alerts, a) })
}

func (r *recorder) OnAuditCompleted(context.Context, *audit.Report) error {
	return r.record(func() { r.reports++ })
}

func (r *recorder) OnIntegrityViolation(_ context.Context, d []audit.Discrepancy) error {
	return r.record(func() { r.violations = append(r.violations, d) })
}

func (r *recorder) OnContention(_ context.Context, _ string, attempts int) error {
	return r.record(func() { r.contention = append(r.contention, attempts) })
}

type fixture struct {
	t     *testing.T
	tr    *treasury.Treasury
	store *memory.Store
	clock *clock
	rec   *recorder
	seq   int
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() treasury.Config {
	cfg := treasury.DefaultConfig()
	cfg.RebalanceInterval = 0
	cfg.AuditInterval = 0
	cfg.MaxTxAttempts = 1000
	return cfg
}

func newFixture(t *testing.T, opts ...treasury.Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig(), opts...)
}

func newFixtureWithConfig(t *testing.T, cfg treasury.Config, opts ...treasury.Option) *fixture {
	t.Helper()
	f := &fixture{t: t, store: memory.New(), clock: newClock(), rec: newRecorder()}
	all := append([]treasury.Option{
		treasury.WithConfig(cfg),
		treasury.WithLogger(quietLogger()),
		treasury.WithClock(f.clock.Now),
		treasury.WithPlugin(f.rec),
	}, opts...)

	tr, err := treasury.New(f.store, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.tr = tr
	return f
}

func (f *fixture) fund(wallet vault.ID, amount int64) {
	f.t.Helper()
	f.seq++
	if _, err := f.tr.Purchase(context.Background(), fmt.Sprintf("fund-%d", f.seq), wallet, amount); err != nil {
		f.t.Fatalf("Purchase: %v", err)
	}
}

func (f *fixture) allocate(requestID string, gross int64) *allocation.Result {
	f.t.Helper()
	res, err := f.tr.Allocate(context.Background(), allocation.Request{
		RequestID:      requestID,
		SpenderVaultID: alice,
		CreatorVaultID: creator,
		GrossAmount:    gross,
	})
	if err != nil {
		f.t.Fatalf("Allocate(%s): %v", requestID, err)
	}
	return res
}

func (f *fixture) balance(v vault.ID) vault.Balance {
	f.t.Helper()
	b, err := f.tr.GetVaultBalance(context.Background(), v)
	if err != nil {
		f.t.Fatalf("GetVaultBalance(%s): %v", v, err)
	}
	return b
}

func (f *fixture) expect(v vault.ID, available, locked int64) {
	f.t.Helper()
	if got := f.balance(v); got.Available != available || got.Locked != locked {
		f.t.Errorf("%s = %+v, want available=%d locked=%d", v, got, available, locked)
	}
}

// expectConserved checks that every token held by a wallet, creator or the
// platform is backed by the reserves, net of open receivables.
func (f *fixture) expectConserved() {
	f.t.Helper()
	ctx := context.Background()
	vaults, err := f.store.ListVaults(ctx)
	if err != nil {
		f.t.Fatal(err)
	}
	var reserves, liabilities int64
	for _, v := range vaults {
		if v.Available < 0 || v.Locked < 0 {
			f.t.Errorf("vault %s is negative: %+v", v.ID, v.Balance())
		}
		if v.Kind.IsReserve() {
			reserves += v.Balance().Total()
		} else {
			liabilities += v.Balance().Total()
		}
	}
	open, err := f.store.ListReceivables(ctx, refund.ReceivableOpen)
	if err != nil {
		f.t.Fatal(err)
	}
	var owed int64
	for _, rc := range open {
		owed += rc.Amount
	}
	if gap := reserves - liabilities + owed; gap != 0 {
		f.t.Errorf("backing gap = %d (reserves %d, liabilities %d, receivables %d)", gap, reserves, liabilities, owed)
	}
}

// ──────────────────────────────────────────────────
// Construction and lifecycle
// ──────────────────────────────────────────────────

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CreatorShare = "1.2"
	_, err := treasury.New(memory.New(), treasury.WithConfig(cfg), treasury.WithLogger(quietLogger()))
	if !errors.Is(err, treasury.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	if _, err := treasury.New(nil); !errors.Is(err, treasury.ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewRejectsDuplicatePlugin(t *testing.T) {
	rec := newRecorder()
	_, err := treasury.New(memory.New(),
		treasury.WithLogger(quietLogger()),
		treasury.WithPlugin(rec),
		treasury.WithPlugin(rec),
	)
	if err == nil {
		t.Fatal("expected duplicate plugin error")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.tr.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := f.tr.Stop(); err != nil {
		t.Fatal(err)
	}

	want := []string{"init", "config:" + f.tr.Config().Fingerprint(), "shutdown"}
	if fmt.Sprint(f.rec.lifecycle) != fmt.Sprint(want) {
		t.Errorf("lifecycle = %v, want %v", f.rec.lifecycle, want)
	}

	_, err := f.tr.Purchase(ctx, "after-stop", alice, 10)
	if !errors.Is(err, treasury.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed after Stop, got %v", err)
	}
}

func TestDefaultSafetyPipeline(t *testing.T) {
	f := newFixture(t)
	if got := f.tr.SafetyChecks(); len(got) != 1 || got[0] != "balance" {
		t.Errorf("SafetyChecks = %v", got)
	}
}

// ──────────────────────────────────────────────────
// Unit of work
// ──────────────────────────────────────────────────

// conflictingStore fails every unit of work with a serialization conflict.
type conflictingStore struct {
	*memory.Store
	calls int
	mu    sync.Mutex
}

func (s *conflictingStore) RunInTx(context.Context, store.TxFunc) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return fmt.Errorf("%w: simulated", treasury.ErrTransactionConflict)
}

func TestContentionExhaustsRetries(t *testing.T) {
	s := &conflictingStore{Store: memory.New()}
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxTxAttempts = 3

	tr, err := treasury.New(s,
		treasury.WithConfig(cfg),
		treasury.WithLogger(quietLogger()),
		treasury.WithPlugin(rec),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = tr.Purchase(context.Background(), "p1", alice, 100)
	if !errors.Is(err, treasury.ErrTransactionContention) {
		t.Fatalf("expected ErrTransactionContention, got %v", err)
	}
	if !treasury.IsRetryable(err) {
		t.Error("contention should be retryable")
	}
	if s.calls != 3 {
		t.Errorf("attempts = %d, want 3", s.calls)
	}
	if len(rec.contention) != 1 || rec.contention[0] != 3 {
		t.Errorf("OnContention = %v", rec.contention)
	}
}

// ──────────────────────────────────────────────────
// Balances and history
// ──────────────────────────────────────────────────

func TestGetVaultBalanceUnknownVault(t *testing.T) {
	f := newFixture(t)
	f.expect(vault.UserWallet("nobody"), 0, 0)

	if _, err := f.tr.GetVaultBalance(context.Background(), vault.ID("bogus")); !errors.Is(err, treasury.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLedgerHistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		if _, err := f.tr.Purchase(ctx, fmt.Sprintf("p%d", i), alice, int64(10*(i+1))); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Minute)
	}

	var (
		seqs   []int64
		cursor int64
		pages  int
	)
	for {
		page, err := f.tr.GetLedgerHistory(ctx, alice, entry.ListOpts{AfterSequence: cursor, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, e := range page.Entries {
			seqs = append(seqs, e.Sequence)
			if e.EventType != entry.Purchase || e.VaultID != alice {
				t.Errorf("unexpected entry %+v", e)
			}
		}
		cursor = page.NextSequence
		if !page.HasMore {
			break
		}
	}
	if pages != 3 || fmt.Sprint(seqs) != "[1 2 3 4 5]" {
		t.Errorf("pages=%d seqs=%v", pages, seqs)
	}

	// Time range: the second and third purchase only.
	start := newClock().Now().Add(time.Minute)
	page, err := f.tr.GetLedgerHistory(ctx, alice, entry.ListOpts{Start: start, End: start.Add(2 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.Entries[0].Amount != 20 || page.Entries[1].Amount != 30 {
		t.Errorf("range page = %+v", page.Entries)
	}
	if page.Entries[1].BalanceAfter != 60 {
		t.Errorf("balance after = %d, want 60", page.Entries[1].BalanceAfter)
	}

	if _, err := f.tr.GetLedgerHistory(ctx, alice, entry.ListOpts{Start: start, End: start}); !errors.Is(err, treasury.ErrInvalidInput) {
		t.Errorf("empty range: expected ErrInvalidInput, got %v", err)
	}
}
