package treasury_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/safety"
	"github.com/xraph/treasury/vault"
)

// earned funds alice and allocates 100 to creator, leaving 65 available.
func earned(t *testing.T, opts ...treasury.Option) *fixture {
	t.Helper()
	f := newFixture(t, opts...)
	f.fund(alice, 1000)
	f.allocate("req1", 100)
	return f
}

func TestPayoutLockThenReject(t *testing.T) {
	f := earned(t)
	ctx := context.Background()

	p, err := f.tr.RequestPayout(ctx, "po", "ana", 65)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != payout.StateLocked || p.LockTransactionID.IsNil() {
		t.Fatalf("payout = %+v", p)
	}
	if len(p.Checks) != 1 || p.Checks[0].Check != safety.NameBalance || !p.Checks[0].Passed {
		t.Errorf("checks = %+v", p.Checks)
	}
	f.expect(creator, 0, 65)

	p, err = f.tr.DecidePayout(ctx, "po", payout.Reject, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != payout.StateRejected || p.DecidedBy != "ops" || p.Decision != payout.Reject {
		t.Errorf("payout = %+v", p)
	}
	f.expect(creator, 65, 0)
	f.expect(vault.HotReserve, 1000, 0)
	if f.rec.payouts["po"] != payout.StateRejected {
		t.Errorf("hook state = %s", f.rec.payouts["po"])
	}
	f.expectConserved()
}

func TestPayoutApproveDrawsHotReserve(t *testing.T) {
	f := earned(t)
	ctx := context.Background()

	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 40); err != nil {
		t.Fatal(err)
	}
	p, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != payout.StateReleased || p.DecisionTransactionID.IsNil() {
		t.Fatalf("payout = %+v", p)
	}
	f.expect(creator, 25, 0)
	f.expect(vault.HotReserve, 960, 0)
	f.expectConserved()

	stored, err := f.tr.GetPayout(ctx, "po")
	if err != nil || stored.State != payout.StateReleased {
		t.Errorf("GetPayout = %+v, %v", stored, err)
	}
}

func TestPayoutReplay(t *testing.T) {
	f := earned(t)
	ctx := context.Background()

	first, err := f.tr.RequestPayout(ctx, "po", "ana", 40)
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.tr.RequestPayout(ctx, "po", "ana", 40)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Replayed || again.LockTransactionID != first.LockTransactionID {
		t.Errorf("replay = %+v", again)
	}
	f.expect(creator, 25, 40)

	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 41); !errors.Is(err, treasury.ErrIdempotencyConflict) {
		t.Errorf("reused id: expected ErrIdempotencyConflict, got %v", err)
	}

	// After the decision a replayed request reflects the current state.
	if _, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops"); err != nil {
		t.Fatal(err)
	}
	cur, err := f.tr.RequestPayout(ctx, "po", "ana", 40)
	if err != nil || cur.State != payout.StateReleased {
		t.Errorf("replay after release = %+v, %v", cur, err)
	}

	decided, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops")
	if err != nil || !decided.Replayed {
		t.Errorf("decision replay = %+v, %v", decided, err)
	}
	f.expect(creator, 25, 0)
	f.expect(vault.HotReserve, 960, 0)
}

func TestPayoutInvalidDecisions(t *testing.T) {
	f := earned(t)
	ctx := context.Background()

	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops"); err != nil {
		t.Fatal(err)
	}
	rejected, err := f.tr.RequestPayout(ctx, "po-big", "ana", 1000)
	if err != nil || rejected.State != payout.StateRejected {
		t.Fatalf("oversized payout = %+v, %v", rejected, err)
	}

	tests := []struct {
		name      string
		requestID string
		decision  payout.Decision
		want      error
	}{
		{"reject after release", "po", payout.Reject, treasury.ErrInvalidTransition},
		{"approve after safety rejection", "po-big", payout.Approve, treasury.ErrInvalidTransition},
		{"unknown payout", "missing", payout.Approve, treasury.ErrPayoutNotFound},
		{"unknown decision", "po", payout.Decision("maybe"), treasury.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tr.DecidePayout(ctx, tt.requestID, tt.decision, "ops")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	f.expect(creator, 55, 0)
	f.expectConserved()
}

func TestPayoutRejectedByBalance(t *testing.T) {
	f := earned(t)
	ctx := context.Background()

	p, err := f.tr.RequestPayout(ctx, "po", "ana", 66)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != payout.StateRejected || p.RejectedBy != safety.NameBalance {
		t.Errorf("payout = %+v", p)
	}
	if p.Checks[0].Reason != "insufficient_available_balance" {
		t.Errorf("reason = %s", p.Checks[0].Reason)
	}
	f.expect(creator, 65, 0)

	again, err := f.tr.RequestPayout(ctx, "po", "ana", 66)
	if err != nil || !again.Replayed || again.State != payout.StateRejected {
		t.Errorf("replay = %+v, %v", again, err)
	}

	ghost, err := f.tr.RequestPayout(ctx, "po-ghost", "ghost", 1)
	if err != nil || ghost.State != payout.StateRejected || ghost.Checks[0].Reason != "vault_not_found" {
		t.Errorf("unknown creator = %+v, %v", ghost, err)
	}
}

func TestPayoutSafetyProviders(t *testing.T) {
	verified := safety.KYCProviderFunc(func(context.Context, string) (safety.KYCStatus, error) {
		return safety.KYCVerified, nil
	})
	pending := safety.KYCProviderFunc(func(context.Context, string) (safety.KYCStatus, error) {
		return safety.KYCPending, nil
	})
	score := func(v float64) safety.Scorer {
		return safety.ScorerFunc(func(context.Context, string, int64) (float64, error) { return v, nil })
	}

	tests := []struct {
		name       string
		providers  safety.Providers
		want       payout.State
		rejectedBy string
		checks     int
		advisory   bool
	}{
		{
			name:       "kyc pending",
			providers:  safety.Providers{KYC: pending, Risk: score(0.1)},
			want:       payout.StateRejected,
			rejectedBy: safety.NameKYC,
			checks:     1,
		},
		{
			name:      "all clear",
			providers: safety.Providers{KYC: verified, Risk: score(0.1), Fraud: score(0.1)},
			want:      payout.StateLocked,
			checks:    4,
		},
		{
			name:      "elevated risk passes with advisory",
			providers: safety.Providers{KYC: verified, Risk: score(0.6)},
			want:      payout.StateLocked,
			checks:    3,
			advisory:  true,
		},
		{
			name:       "risk over threshold",
			providers:  safety.Providers{KYC: verified, Risk: score(0.7), Fraud: score(0.1)},
			want:       payout.StateRejected,
			rejectedBy: safety.NameRisk,
			checks:     2,
		},
		{
			name:       "fraud over threshold",
			providers:  safety.Providers{Fraud: score(0.95)},
			want:       payout.StateRejected,
			rejectedBy: safety.NameFraud,
			checks:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := earned(t, treasury.WithSafetyProviders(tt.providers))
			p, err := f.tr.RequestPayout(context.Background(), "po", "ana", 50)
			if err != nil {
				t.Fatal(err)
			}
			if p.State != tt.want || p.RejectedBy != tt.rejectedBy {
				t.Errorf("payout = %s rejected by %q, want %s/%q", p.State, p.RejectedBy, tt.want, tt.rejectedBy)
			}
			if len(p.Checks) != tt.checks {
				t.Errorf("checks = %+v, want %d", p.Checks, tt.checks)
			}
			var advisory bool
			for _, c := range p.Checks {
				advisory = advisory || c.Advisory
			}
			if advisory != tt.advisory {
				t.Errorf("advisory = %v", advisory)
			}
			if tt.want == payout.StateLocked {
				f.expect(creator, 15, 50)
			} else {
				f.expect(creator, 65, 0)
			}
		})
	}
}

func TestPayoutProviderErrorAborts(t *testing.T) {
	down := errors.New("kyc service unavailable")
	f := earned(t, treasury.WithSafetyProviders(safety.Providers{
		KYC: safety.KYCProviderFunc(func(context.Context, string) (safety.KYCStatus, error) {
			return "", down
		}),
	}))
	ctx := context.Background()

	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 10); !errors.Is(err, down) {
		t.Fatalf("expected provider error, got %v", err)
	}
	f.expect(creator, 65, 0)
	if _, err := f.tr.GetPayout(ctx, "po"); !errors.Is(err, treasury.ErrPayoutNotFound) {
		t.Errorf("aborted payout was stored: %v", err)
	}
}

func TestPayoutApproveDrawsColdReserve(t *testing.T) {
	f := newFixtureWithConfig(t, smallReserve())
	ctx := context.Background()
	f.fund(alice, 1000)
	f.allocate("req1", 200)

	move, err := f.tr.Rebalance(ctx)
	if err != nil || move.HotAfter != 50 {
		t.Fatalf("rebalance = %+v, %v", move, err)
	}

	// Hot holds 50: above the minimum, below the payout.
	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 130); err != nil {
		t.Fatal(err)
	}
	p, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != payout.StateReleased {
		t.Fatalf("payout = %+v", p)
	}
	f.expect(creator, 0, 0)
	f.expect(vault.HotReserve, 0, 0)
	f.expect(vault.ColdReserve, 870, 0)
	f.expectConserved()

	page, err := f.tr.GetLedgerHistory(ctx, vault.HotReserve, entry.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var drawn int64
	for _, e := range page.Entries {
		if e.EventType == entry.ColdToHot && e.TransactionID.String() == p.DecisionTransactionID.String() {
			drawn += e.Amount
		}
	}
	if drawn != 80 {
		t.Errorf("cold to hot in release transaction = %d, want 80", drawn)
	}
}

func TestPayoutInsufficientLiquidity(t *testing.T) {
	f := newFixtureWithConfig(t, smallReserve())
	ctx := context.Background()
	f.fund(alice, 1000)
	f.allocate("req1", 100)

	if _, err := f.tr.RequestPayout(ctx, "po", "ana", 65); err != nil {
		t.Fatal(err)
	}
	// Both reserves together hold less than the payout.
	if err := f.store.TamperVault(vault.HotReserve, 10, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.store.TamperVault(vault.ColdReserve, 20, 0); err != nil {
		t.Fatal(err)
	}

	_, err := f.tr.DecidePayout(ctx, "po", payout.Approve, "ops")
	if !errors.Is(err, treasury.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if !treasury.IsRetryable(err) {
		t.Error("insufficient liquidity should be retryable")
	}
	p, err := f.tr.GetPayout(ctx, "po")
	if err != nil || p.State != payout.StateLocked {
		t.Fatalf("payout after failed release = %+v, %v", p, err)
	}
	f.expect(creator, 0, 65)
	f.expect(vault.ColdReserve, 20, 0)

	// A new purchase tops the hot reserve up and the retry goes through.
	f.fund(vault.UserWallet("bob"), 100)
	p, err = f.tr.DecidePayout(ctx, "po", payout.Approve, "ops")
	if err != nil || p.State != payout.StateReleased {
		t.Fatalf("retry = %+v, %v", p, err)
	}
	f.expect(vault.HotReserve, 45, 0)
	f.expect(vault.ColdReserve, 20, 0)
}

func TestPayoutConcurrentRequestsNeverOverlock(t *testing.T) {
	f := earned(t)

	const workers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		locked int
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.tr.RequestPayout(context.Background(), fmt.Sprintf("po%d", i), "ana", 10)
			if err != nil {
				t.Error(err)
				return
			}
			if p.State == payout.StateLocked {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if locked != 6 {
		t.Errorf("locked = %d, want 6", locked)
	}
	f.expect(creator, 5, 60)
	f.expectConserved()
}
