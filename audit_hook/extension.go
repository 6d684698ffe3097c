// Package audithook bridges Treasury money-movement events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/plugin"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnPurchased          = (*Extension)(nil)
	_ plugin.OnAllocated          = (*Extension)(nil)
	_ plugin.OnAllocationRejected = (*Extension)(nil)
	_ plugin.OnRefundApplied      = (*Extension)(nil)
	_ plugin.OnRefundDenied       = (*Extension)(nil)
	_ plugin.OnReceivableOpened   = (*Extension)(nil)
	_ plugin.OnPayoutLocked       = (*Extension)(nil)
	_ plugin.OnPayoutReleased     = (*Extension)(nil)
	_ plugin.OnPayoutRejected     = (*Extension)(nil)
	_ plugin.OnReserveRebalanced  = (*Extension)(nil)
	_ plugin.OnReserveAlert       = (*Extension)(nil)
	_ plugin.OnAuditCompleted     = (*Extension)(nil)
	_ plugin.OnIntegrityViolation = (*Extension)(nil)
	_ plugin.OnContention         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Treasury events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Wallet and allocation hooks
// ──────────────────────────────────────────────────

// OnPurchased implements plugin.OnPurchased.
func (e *Extension) OnPurchased(ctx context.Context, p *allocation.Purchase) error {
	return e.record(ctx, ActionTokensPurchased, SeverityInfo, OutcomeSuccess,
		ResourceWallet, string(p.WalletID), CategoryLedger, "",
		"request_id", p.RequestID,
		"transaction_id", p.TransactionID.String(),
		"amount", p.Amount,
	)
}

// OnAllocated implements plugin.OnAllocated.
func (e *Extension) OnAllocated(ctx context.Context, r *allocation.Result) error {
	return e.record(ctx, ActionAllocationSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceAllocation, r.TransactionID.String(), CategorySettle, "",
		"request_id", r.RequestID,
		"gross", r.Gross,
		"creator_credit", r.CreatorCredit,
		"platform_credit", r.PlatformCredit,
	)
}

// OnAllocationRejected implements plugin.OnAllocationRejected.
func (e *Extension) OnAllocationRejected(ctx context.Context, r *allocation.Result) error {
	kv := []any{"request_id", r.RequestID, "gross", r.Gross}
	if r.FrozenVault != "" {
		kv = append(kv, "frozen_vault", string(r.FrozenVault))
	}
	return e.record(ctx, ActionAllocationRejected, SeverityWarning, OutcomeFailure,
		ResourceAllocation, r.RequestID, CategorySettle, string(r.Status),
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Refund hooks
// ──────────────────────────────────────────────────

// OnRefundApplied implements plugin.OnRefundApplied.
func (e *Extension) OnRefundApplied(ctx context.Context, r *refund.Request) error {
	outcome := OutcomeSuccess
	if r.Shortfall > 0 {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionRefundApplied, SeverityInfo, outcome,
		ResourceRefund, r.RequestID, CategoryRefund, string(r.Decision.Reason),
		"original_transaction_id", r.OriginalTransactionID.String(),
		"transaction_id", r.TransactionID.String(),
		"amount", r.Amount,
		"shortfall", r.Shortfall,
	)
}

// OnRefundDenied implements plugin.OnRefundDenied.
func (e *Extension) OnRefundDenied(ctx context.Context, r *refund.Request) error {
	return e.record(ctx, ActionRefundDenied, SeverityInfo, OutcomeFailure,
		ResourceRefund, r.RequestID, CategoryRefund, string(r.Decision.Reason),
		"original_transaction_id", r.OriginalTransactionID.String(),
		"spender", string(r.SpenderVaultID),
	)
}

// OnReceivableOpened implements plugin.OnReceivableOpened.
func (e *Extension) OnReceivableOpened(ctx context.Context, r *refund.Receivable) error {
	return e.record(ctx, ActionReceivableOpened, SeverityWarning, OutcomeSuccess,
		ResourceReceivable, r.ID.String(), CategoryRefund, "",
		"vault_id", string(r.VaultID),
		"refund_request_id", r.RefundRequestID,
		"amount", r.Amount,
	)
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutLocked implements plugin.OnPayoutLocked.
func (e *Extension) OnPayoutLocked(ctx context.Context, p *payout.Request) error {
	return e.record(ctx, ActionPayoutLocked, SeverityInfo, OutcomeSuccess,
		ResourcePayout, p.RequestID, CategoryPayout, "",
		"creator_id", p.CreatorID,
		"amount", p.Amount,
		"checks", len(p.Checks),
	)
}

// OnPayoutReleased implements plugin.OnPayoutReleased.
func (e *Extension) OnPayoutReleased(ctx context.Context, p *payout.Request) error {
	return e.record(ctx, ActionPayoutReleased, SeverityInfo, OutcomeSuccess,
		ResourcePayout, p.RequestID, CategoryPayout, "",
		"creator_id", p.CreatorID,
		"amount", p.Amount,
		"decided_by", p.DecidedBy,
	)
}

// OnPayoutRejected implements plugin.OnPayoutRejected.
func (e *Extension) OnPayoutRejected(ctx context.Context, p *payout.Request) error {
	reason := p.RejectedBy
	if reason == "" {
		reason = "rejected_by_reviewer"
	}
	return e.record(ctx, ActionPayoutRejected, SeverityWarning, OutcomeFailure,
		ResourcePayout, p.RequestID, CategoryPayout, reason,
		"creator_id", p.CreatorID,
		"amount", p.Amount,
		"decided_by", p.DecidedBy,
	)
}

// ──────────────────────────────────────────────────
// Reserve hooks
// ──────────────────────────────────────────────────

// OnReserveRebalanced implements plugin.OnReserveRebalanced.
func (e *Extension) OnReserveRebalanced(ctx context.Context, m *reserve.Move) error {
	return e.record(ctx, ActionReserveRebalanced, SeverityInfo, OutcomeSuccess,
		ResourceReserve, m.TransactionID.String(), CategoryTreasury, m.Reason,
		"direction", string(m.Direction),
		"amount", m.Amount,
		"hot_after", m.HotAfter,
		"cold_after", m.ColdAfter,
	)
}

// OnReserveAlert implements plugin.OnReserveAlert.
func (e *Extension) OnReserveAlert(ctx context.Context, a *reserve.Alert) error {
	return e.record(ctx, ActionReserveAlert, SeverityCritical, OutcomeFailure,
		ResourceReserve, "", CategoryTreasury, a.Reason,
		"hot", a.Hot,
		"cold", a.Cold,
		"needed", a.Needed,
	)
}

// ──────────────────────────────────────────────────
// Integrity hooks
// ──────────────────────────────────────────────────

// OnAuditCompleted implements plugin.OnAuditCompleted.
func (e *Extension) OnAuditCompleted(ctx context.Context, r *audit.Report) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	if len(r.Discrepancies) > 0 || r.Backing.Gap != 0 {
		severity, outcome = SeverityError, OutcomeFailure
	}
	return e.record(ctx, ActionAuditCompleted, severity, outcome,
		ResourceAudit, r.ID.String(), CategoryIntegrity, "",
		"vaults", len(r.Vaults),
		"discrepancies", len(r.Discrepancies),
		"backing_gap", r.Backing.Gap,
	)
}

// OnIntegrityViolation implements plugin.OnIntegrityViolation.
func (e *Extension) OnIntegrityViolation(ctx context.Context, d []audit.Discrepancy) error {
	if len(d) == 0 {
		return nil
	}
	details := make([]string, len(d))
	for i := range d {
		details[i] = d[i].String()
	}
	return e.record(ctx, ActionIntegrityViolation, SeverityCritical, OutcomeFailure,
		ResourceVault, string(d[0].VaultID), CategoryIntegrity, string(d[0].Kind),
		"discrepancies", details,
	)
}

// OnContention implements plugin.OnContention.
func (e *Extension) OnContention(ctx context.Context, operation string, attempts int) error {
	return e.record(ctx, ActionContention, SeverityError, OutcomeFailure,
		ResourceVault, "", CategoryTreasury, "transaction_contention",
		"operation", operation,
		"attempts", attempts,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
