// Package vault defines the balance buckets that the ledger moves value
// between, and the rules that guard every balance mutation.
//
// A Vault is the materialized projection of the ledger entries addressed to
// it. Each vault has two partitions: available funds, which can be spent or
// paid out, and locked funds, which are reserved by a pending payout. Both
// partitions are non-negative in every committed state.
package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/treasury/types"
)

// Errors returned by balance mutations.
var (
	ErrNegativeBalance = errors.New("vault: balance would become negative")
	ErrInvalidID       = errors.New("vault: invalid vault id")
)

// Kind classifies a vault.
type Kind string

const (
	KindUserWallet  Kind = "USER_WALLET"
	KindCreator     Kind = "CREATOR_VAULT"
	KindPlatform    Kind = "PLATFORM_VAULT"
	KindHotReserve  Kind = "HOT_RESERVE"
	KindColdReserve Kind = "COLD_RESERVE"
)

// IsReserve reports whether k is one of the internal liquidity pools.
func (k Kind) IsReserve() bool { return k == KindHotReserve || k == KindColdReserve }

// Partition names one of the two counters inside a vault.
type Partition string

const (
	Available Partition = "available"
	Locked    Partition = "locked"
)

// ID identifies a vault. The textual form encodes the kind.
type ID string

// Well-known vault ids.
const (
	Platform    ID = "platform"
	HotReserve  ID = "reserve:hot"
	ColdReserve ID = "reserve:cold"
)

const (
	walletPrefix  = "wallet:"
	creatorPrefix = "creator:"
)

// UserWallet returns the spending wallet id of a user.
func UserWallet(userID string) ID { return ID(walletPrefix + userID) }

// CreatorVault returns the earnings vault id of a creator.
func CreatorVault(creatorID string) ID { return ID(creatorPrefix + creatorID) }

// ParseID validates s and returns it as an ID.
func ParseID(s string) (ID, error) {
	v := ID(s)
	if _, err := v.Kind(); err != nil {
		return "", err
	}
	return v, nil
}

// Kind derives the vault kind from the id.
func (v ID) Kind() (Kind, error) {
	s := string(v)
	switch {
	case v == Platform:
		return KindPlatform, nil
	case v == HotReserve:
		return KindHotReserve, nil
	case v == ColdReserve:
		return KindColdReserve, nil
	case strings.HasPrefix(s, walletPrefix) && len(s) > len(walletPrefix):
		return KindUserWallet, nil
	case strings.HasPrefix(s, creatorPrefix) && len(s) > len(creatorPrefix):
		return KindCreator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
}

// Owner returns the user or creator id embedded in a wallet or creator
// vault id, and "" for platform and reserve vaults.
func (v ID) Owner() string {
	s := string(v)
	switch {
	case strings.HasPrefix(s, walletPrefix):
		return s[len(walletPrefix):]
	case strings.HasPrefix(s, creatorPrefix):
		return s[len(creatorPrefix):]
	}
	return ""
}

func (v ID) String() string { return string(v) }

// Balance is the read-only view of a vault's two partitions.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// Total returns available plus locked.
func (b Balance) Total() int64 { return b.Available + b.Locked }

// Vault is the balance projection of one vault.
type Vault struct {
	types.Entity

	ID        ID    `json:"id"`
	Kind      Kind  `json:"kind"`
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`

	// Sequence is the sequence number of the last entry applied.
	Sequence int64 `json:"sequence"`
	// Version increases on every committed write; stores use it for
	// optimistic concurrency control.
	Version int64 `json:"version"`

	Frozen       bool   `json:"frozen"`
	FrozenReason string `json:"frozen_reason,omitempty"`
}

// Open returns an empty vault for id. Vaults are created implicitly the
// first time an entry addresses them.
func Open(id ID, entity types.Entity) (*Vault, error) {
	kind, err := id.Kind()
	if err != nil {
		return nil, err
	}
	return &Vault{Entity: entity, ID: id, Kind: kind}, nil
}

// Balance returns the current partitions.
func (v *Vault) Balance() Balance {
	return Balance{Available: v.Available, Locked: v.Locked}
}

// Get returns the counter of partition p.
func (v *Vault) Get(p Partition) int64 {
	if p == Locked {
		return v.Locked
	}
	return v.Available
}

// Apply adds delta to partition p and advances the sequence. It returns
// the partition balance after the change and the sequence number assigned
// to the entry. A delta that would make the partition negative is refused
// and leaves the vault untouched.
func (v *Vault) Apply(p Partition, delta int64) (balanceAfter, seq int64, err error) {
	current := v.Get(p)
	next, err := types.Add(current, delta)
	if err != nil {
		return 0, 0, fmt.Errorf("vault %s: %w", v.ID, err)
	}
	if next < 0 {
		return 0, 0, fmt.Errorf("%w: %s %s %d%s", ErrNegativeBalance, v.ID, p, current, types.Format(delta))
	}

	switch p {
	case Locked:
		v.Locked = next
	case Available:
		v.Available = next
	default:
		return 0, 0, fmt.Errorf("vault: unknown partition %q", p)
	}
	v.Sequence++
	return next, v.Sequence, nil
}

// Freeze marks the vault as halted for new mutations.
func (v *Vault) Freeze(reason string) {
	v.Frozen = true
	v.FrozenReason = reason
}

// Unfreeze clears the freeze marker.
func (v *Vault) Unfreeze() {
	v.Frozen = false
	v.FrozenReason = ""
}

// Clone returns a copy that can be mutated without affecting v.
func (v *Vault) Clone() *Vault {
	c := *v
	return &c
}
