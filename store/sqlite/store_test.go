package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

var (
	wallet = vault.UserWallet("u1")
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// newTxStore returns a store with only the unit-of-work connection, on a
// fresh in-memory database.
func newTxStore(t *testing.T) *Store {
	t.Helper()
	conn, err := OpenConn(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("schema: %v", err)
		}
	}
	return &Store{conn: conn}
}

func credit(ctx context.Context, tx store.Tx, vid vault.ID, amount int64) (*entry.Entry, error) {
	v, err := tx.GetVault(ctx, vid)
	if errors.Is(err, treasury.ErrVaultNotFound) {
		v, err = vault.Open(vid, types.NewEntity(now))
	}
	if err != nil {
		return nil, err
	}
	after, seq, err := v.Apply(vault.Available, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.PutVault(ctx, v); err != nil {
		return nil, err
	}
	e := &entry.Entry{
		ID:            id.NewEntryID(),
		EventType:     entry.Purchase,
		VaultID:       vid,
		Partition:     vault.Available,
		Amount:        amount,
		BalanceAfter:  after,
		Sequence:      seq,
		TransactionID: id.NewTransactionID(),
		RequestID:     "r",
		Metadata:      map[string]string{"source": "test"},
		CreatedAt:     now,
	}
	return e, tx.AppendEntries(ctx, e)
}

func TestCommitAndReadBack(t *testing.T) {
	s := newTxStore(t)
	ctx := context.Background()

	var first *entry.Entry
	if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		first, err = credit(ctx, tx, wallet, 100)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := credit(ctx, tx, wallet, 50)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetVault(ctx, wallet)
		if err != nil {
			return err
		}
		if v.Available != 150 || v.Sequence != 2 || v.Version != 2 {
			t.Errorf("vault = %+v", v)
		}
		if !v.CreatedAt.Equal(now) {
			t.Errorf("CreatedAt = %v", v.CreatedAt)
		}

		after, err := tx.EntriesAfter(ctx, wallet, 1)
		if err != nil {
			return err
		}
		if len(after) != 1 || after[0].BalanceAfter != 150 {
			t.Errorf("EntriesAfter = %+v", after)
		}

		byTxn, err := tx.EntriesByTransaction(ctx, first.TransactionID)
		if err != nil {
			return err
		}
		if len(byTxn) != 1 || byTxn[0].ID.String() != first.ID.String() {
			t.Fatalf("EntriesByTransaction = %+v", byTxn)
		}
		if byTxn[0].Metadata["source"] != "test" || !byTxn[0].CreatedAt.Equal(now) {
			t.Errorf("entry round trip = %+v", byTxn[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRollbackOnError(t *testing.T) {
	s := newTxStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := credit(ctx, tx, wallet, 100); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetVault(ctx, wallet)
		return err
	})
	if !errors.Is(err, treasury.ErrVaultNotFound) {
		t.Errorf("rolled back vault visible: %v", err)
	}
}

func TestConflicts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T, s *Store) error
	}{
		{
			name: "stale vault version",
			run: func(t *testing.T, s *Store) error {
				if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					_, err := credit(ctx, tx, wallet, 100)
					return err
				}); err != nil {
					t.Fatal(err)
				}
				var stale *vault.Vault
				if err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					v, err := tx.GetVault(ctx, wallet)
					stale = v
					if err != nil {
						return err
					}
					cp := *v
					return tx.PutVault(ctx, &cp)
				}); err != nil {
					t.Fatal(err)
				}
				return s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					return tx.PutVault(ctx, stale)
				})
			},
		},
		{
			name: "duplicate idempotency key",
			run: func(t *testing.T, s *Store) error {
				rec, err := idempotency.New("k1", idempotency.OpPurchase, "fp", map[string]int{"a": 1}, now)
				if err != nil {
					t.Fatal(err)
				}
				return s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					if err := tx.PutIdempotency(ctx, rec); err != nil {
						return err
					}
					return tx.PutIdempotency(ctx, rec)
				})
			},
		},
		{
			name: "second applied refund of one transaction",
			run: func(t *testing.T, s *Store) error {
				orig := id.NewTransactionID()
				return s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					for _, rid := range []string{"r1", "r2"} {
						if err := tx.PutRefund(ctx, &refund.Request{
							Entity:                types.NewEntity(now),
							RequestID:             rid,
							OriginalTransactionID: orig,
							SpenderVaultID:        wallet,
							State:                 refund.StateApplied,
							DecidedAt:             now,
						}); err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(t, newTxStore(t))
			if !errors.Is(err, treasury.ErrTransactionConflict) {
				t.Errorf("expected conflict, got %v", err)
			}
		})
	}
}

func TestRefundLookups(t *testing.T) {
	s := newTxStore(t)
	ctx := context.Background()
	orig := id.NewTransactionID()

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reqs := []*refund.Request{
			{RequestID: "old", OriginalTransactionID: id.NewTransactionID(), State: refund.StateApplied, DecidedAt: now.Add(-25 * time.Hour)},
			{RequestID: "recent", OriginalTransactionID: orig, State: refund.StateApplied, DecidedAt: now.Add(-time.Hour)},
			{RequestID: "denied", OriginalTransactionID: id.NewTransactionID(), State: refund.StateDenied, DecidedAt: now},
		}
		for _, r := range reqs {
			r.Entity = types.NewEntity(now)
			r.SpenderVaultID = wallet
			if err := tx.PutRefund(ctx, r); err != nil {
				return err
			}
		}

		n, err := tx.CountAppliedRefunds(ctx, wallet, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("CountAppliedRefunds = %d, want 1", n)
		}

		got, err := tx.AppliedRefundFor(ctx, orig)
		if err != nil {
			return err
		}
		if got.RequestID != "recent" {
			t.Errorf("AppliedRefundFor = %q", got.RequestID)
		}
		if _, err := tx.AppliedRefundFor(ctx, id.NewTransactionID()); !errors.Is(err, treasury.ErrRefundNotFound) {
			t.Errorf("unknown transaction: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCheckpointUpsert(t *testing.T) {
	s := newTxStore(t)
	ctx := context.Background()

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetCheckpoint(ctx, wallet); !errors.Is(err, treasury.ErrNotFound) {
			t.Errorf("missing checkpoint: %v", err)
		}
		for _, seq := range []int64{3, 7} {
			if err := tx.PutCheckpoint(ctx, &audit.Checkpoint{VaultID: wallet, Sequence: seq, Available: seq * 10, At: now}); err != nil {
				return err
			}
		}
		cp, err := tx.GetCheckpoint(ctx, wallet)
		if err != nil {
			return err
		}
		if cp.Sequence != 7 || cp.Available != 70 || !cp.At.Equal(now) {
			t.Errorf("checkpoint = %+v", cp)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
