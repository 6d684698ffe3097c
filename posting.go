package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/idempotency"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// posting collects the legs of one ledger transaction inside a unit of
// work. Every leg is applied to the vault projection as it is added, so a
// leg that would overdraw a partition fails before anything is written.
type posting struct {
	tx        store.Tx
	txnID     id.TransactionID
	requestID string
	original  id.TransactionID
	now       time.Time

	vaults  map[vault.ID]*vault.Vault
	touched []vault.ID
	entries []*entry.Entry
}

func newPosting(tx store.Tx, requestID string, now time.Time) *posting {
	return &posting{
		tx:        tx,
		txnID:     id.NewTransactionID(),
		requestID: requestID,
		now:       now,
		vaults:    make(map[vault.ID]*vault.Vault),
	}
}

// load returns the projection of vid, opening an empty vault the first
// time an id is addressed.
func (p *posting) load(ctx context.Context, vid vault.ID) (*vault.Vault, error) {
	if v, ok := p.vaults[vid]; ok {
		return v, nil
	}
	v, err := p.tx.GetVault(ctx, vid)
	switch {
	case errors.Is(err, ErrVaultNotFound):
		v, err = vault.Open(vid, types.NewEntity(p.now))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	case err != nil:
		return nil, err
	}
	p.vaults[vid] = v
	return v, nil
}

// leg applies amount to one partition of a vault and records the entry.
// Frozen vaults accept no legs.
func (p *posting) leg(ctx context.Context, et entry.EventType, vid vault.ID, part vault.Partition, amount int64, meta map[string]string) (*entry.Entry, error) {
	v, err := p.load(ctx, vid)
	if err != nil {
		return nil, err
	}
	if v.Frozen {
		return nil, fmt.Errorf("%w: %s (%s)", ErrVaultFrozen, vid, v.FrozenReason)
	}

	after, seq, err := v.Apply(part, amount)
	if err != nil {
		return nil, err
	}

	e := &entry.Entry{
		ID:                    id.NewEntryID(),
		EventType:             et,
		VaultID:               vid,
		Partition:             part,
		Amount:                amount,
		BalanceAfter:          after,
		Sequence:              seq,
		TransactionID:         p.txnID,
		RequestID:             p.requestID,
		OriginalTransactionID: p.original,
		CreatedAt:             p.now,
		Metadata:              meta,
	}
	p.entries = append(p.entries, e)

	for _, t := range p.touched {
		if t == vid {
			return e, nil
		}
	}
	p.touched = append(p.touched, vid)
	return e, nil
}

// flush writes the touched projections and appends the entries.
func (p *posting) flush(ctx context.Context) error {
	for _, vid := range p.touched {
		v := p.vaults[vid]
		v.Touch(p.now)
		if err := p.tx.PutVault(ctx, v); err != nil {
			return err
		}
	}
	if len(p.entries) == 0 {
		return nil
	}
	return p.tx.AppendEntries(ctx, p.entries...)
}

// balances returns the post-transaction balances of the touched vaults.
func (p *posting) balances() map[vault.ID]vault.Balance {
	out := make(map[vault.ID]vault.Balance, len(p.touched))
	for _, vid := range p.touched {
		out[vid] = p.vaults[vid].Balance()
	}
	return out
}

// ──────────────────────────────────────────────────
// Idempotency
// ──────────────────────────────────────────────────

// idemKey namespaces a caller request id by operation.
func idemKey(op idempotency.Operation, requestID string) string {
	return string(op) + ":" + requestID
}

// replay looks up the record under key. It returns false for a first
// attempt, decodes the stored result into dst for a replay, and fails with
// ErrIdempotencyConflict when the key was used for different parameters.
func replay(ctx context.Context, tx store.Tx, op idempotency.Operation, key, fingerprint string, dst any) (bool, error) {
	rec, err := tx.GetIdempotency(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rec.Match(op, fingerprint); err != nil {
		return false, err
	}
	if dst == nil {
		return true, nil
	}
	return true, rec.Decode(dst)
}

// remember stores result under key in the current unit of work.
func remember(ctx context.Context, tx store.Tx, op idempotency.Operation, key, fingerprint string, result any, now time.Time) error {
	rec, err := idempotency.New(key, op, fingerprint, result, now)
	if err != nil {
		return err
	}
	return tx.PutIdempotency(ctx, rec)
}

// withMeta returns a copy of base with the extra key/value pairs added.
func withMeta(base map[string]string, kv ...string) map[string]string {
	if len(base) == 0 && len(kv) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
