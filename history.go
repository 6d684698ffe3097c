package treasury

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// ──────────────────────────────────────────────────
// Balances and history
// ──────────────────────────────────────────────────

// GetVaultBalance returns the available and locked balance of a vault.
// Vaults are created by their first entry, so a well-formed id that was
// never written has a zero balance.
func (t *Treasury) GetVaultBalance(ctx context.Context, vaultID vault.ID) (vault.Balance, error) {
	v, err := t.GetVault(ctx, vaultID)
	if err != nil {
		return vault.Balance{}, err
	}
	return v.Balance(), nil
}

// GetVault returns the full projection of a vault, including its freeze
// state.
func (t *Treasury) GetVault(ctx context.Context, vaultID vault.ID) (*vault.Vault, error) {
	if _, err := vaultID.Kind(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	v, err := t.store.GetVault(ctx, vaultID)
	if errors.Is(err, ErrVaultNotFound) {
		return vault.Open(vaultID, types.NewEntity(t.now()))
	}
	return v, err
}

// GetLedgerHistory returns one page of a vault's entries in ascending
// sequence order. Pass Page.NextSequence as opts.AfterSequence to fetch the
// following page.
func (t *Treasury) GetLedgerHistory(ctx context.Context, vaultID vault.ID, opts entry.ListOpts) (entry.Page, error) {
	if _, err := vaultID.Kind(); err != nil {
		return entry.Page{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && !opts.End.After(opts.Start) {
		return entry.Page{}, ValidationError{Field: "end", Message: "must be after start"}
	}
	if opts.AfterSequence < 0 {
		return entry.Page{}, ValidationError{Field: "after_sequence", Message: "must not be negative"}
	}

	entries, err := t.store.ListEntries(ctx, vaultID, opts)
	if err != nil {
		return entry.Page{}, err
	}
	return entry.NewPage(entries, opts.PageSize(), opts.AfterSequence), nil
}
