package treasury

import (
	"github.com/xraph/treasury/types"
	"github.com/xraph/treasury/vault"
)

// Re-export common types for convenience so users don't have to import the
// types and vault packages for everyday calls.

// Amount is re-exported from types package.
type Amount = types.Amount

// Entity is re-exported from types package.
type Entity = types.Entity

// VaultID is re-exported from vault package.
type VaultID = vault.ID

// Balance is re-exported from vault package.
type Balance = vault.Balance

// Re-export vault id constructors
var (
	UserWallet   = vault.UserWallet
	CreatorVault = vault.CreatorVault
)

// Well-known system vaults.
const (
	PlatformVault = vault.Platform
	HotReserve    = vault.HotReserve
	ColdReserve   = vault.ColdReserve
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
