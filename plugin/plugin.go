// Package plugin provides an extensible plugin system for Treasury.
// Plugins can hook into lifecycle and money-movement events to extend
// functionality. Hooks run after the unit of work has committed; a failing
// or slow plugin is logged and never rolls anything back.
package plugin

import (
	"context"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, t any) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// OnConfigLoaded is called once at startup with the fingerprint of the
// effective configuration.
type OnConfigLoaded interface {
	Plugin
	OnConfigLoaded(ctx context.Context, fingerprint string) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntriesCommitted is called with every batch of ledger entries written
// by one committed transaction.
type OnEntriesCommitted interface {
	Plugin
	OnEntriesCommitted(ctx context.Context, entries []*entry.Entry) error
}

// ──────────────────────────────────────────────────
// Allocation hooks
// ──────────────────────────────────────────────────

// OnAllocated is called after a spend was split between creator and
// platform.
type OnAllocated interface {
	Plugin
	OnAllocated(ctx context.Context, r *allocation.Result) error
}

// OnAllocationRejected is called when an allocation was refused for
// insufficient funds or a frozen vault.
type OnAllocationRejected interface {
	Plugin
	OnAllocationRejected(ctx context.Context, r *allocation.Result) error
}

// OnPurchased is called after tokens were credited to a user wallet.
type OnPurchased interface {
	Plugin
	OnPurchased(ctx context.Context, p *allocation.Purchase) error
}

// ──────────────────────────────────────────────────
// Refund hooks
// ──────────────────────────────────────────────────

// OnRefundApplied is called after a refund reversed an allocation.
type OnRefundApplied interface {
	Plugin
	OnRefundApplied(ctx context.Context, r *refund.Request) error
}

// OnRefundDenied is called when the refund policy denied a request.
type OnRefundDenied interface {
	Plugin
	OnRefundDenied(ctx context.Context, r *refund.Request) error
}

// OnReceivableOpened is called when a refund could not be fully clawed
// back from a vault.
type OnReceivableOpened interface {
	Plugin
	OnReceivableOpened(ctx context.Context, r *refund.Receivable) error
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutLocked is called when a payout passed its safety checks and the
// funds were locked.
type OnPayoutLocked interface {
	Plugin
	OnPayoutLocked(ctx context.Context, p *payout.Request) error
}

// OnPayoutReleased is called when an approved payout left the system.
type OnPayoutReleased interface {
	Plugin
	OnPayoutReleased(ctx context.Context, p *payout.Request) error
}

// OnPayoutRejected is called when a payout failed a safety check or was
// rejected by a reviewer.
type OnPayoutRejected interface {
	Plugin
	OnPayoutRejected(ctx context.Context, p *payout.Request) error
}

// ──────────────────────────────────────────────────
// Reserve hooks
// ──────────────────────────────────────────────────

// OnReserveRebalanced is called after funds moved between the hot and cold
// reserves.
type OnReserveRebalanced interface {
	Plugin
	OnReserveRebalanced(ctx context.Context, m *reserve.Move) error
}

// OnReserveAlert is called when the cold reserve cannot refill the hot
// reserve.
type OnReserveAlert interface {
	Plugin
	OnReserveAlert(ctx context.Context, a *reserve.Alert) error
}

// ──────────────────────────────────────────────────
// Audit hooks
// ──────────────────────────────────────────────────

// OnAuditCompleted is called with every finished audit report.
type OnAuditCompleted interface {
	Plugin
	OnAuditCompleted(ctx context.Context, r *audit.Report) error
}

// OnIntegrityViolation is called once per vault the auditor froze.
type OnIntegrityViolation interface {
	Plugin
	OnIntegrityViolation(ctx context.Context, d []audit.Discrepancy) error
}

// OnContention is called when an operation gave up after exhausting its
// transaction retries.
type OnContention interface {
	Plugin
	OnContention(ctx context.Context, operation string, attempts int) error
}
