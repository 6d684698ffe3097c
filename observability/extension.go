// Package observability provides a metrics extension for Treasury that
// records money-movement counts and amounts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/plugin"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnEntriesCommitted   = (*MetricsExtension)(nil)
	_ plugin.OnPurchased          = (*MetricsExtension)(nil)
	_ plugin.OnAllocated          = (*MetricsExtension)(nil)
	_ plugin.OnAllocationRejected = (*MetricsExtension)(nil)
	_ plugin.OnRefundApplied      = (*MetricsExtension)(nil)
	_ plugin.OnRefundDenied       = (*MetricsExtension)(nil)
	_ plugin.OnReceivableOpened   = (*MetricsExtension)(nil)
	_ plugin.OnPayoutLocked       = (*MetricsExtension)(nil)
	_ plugin.OnPayoutReleased     = (*MetricsExtension)(nil)
	_ plugin.OnPayoutRejected     = (*MetricsExtension)(nil)
	_ plugin.OnReserveRebalanced  = (*MetricsExtension)(nil)
	_ plugin.OnReserveAlert       = (*MetricsExtension)(nil)
	_ plugin.OnAuditCompleted     = (*MetricsExtension)(nil)
	_ plugin.OnIntegrityViolation = (*MetricsExtension)(nil)
	_ plugin.OnContention         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// Gauge interface for metric gauges.
type Gauge interface {
	Set(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// MetricsExtension records system-wide treasury metrics.
// Register it as a Treasury plugin to track money movement.
type MetricsExtension struct {
	factory MetricFactory

	// Ledger metrics
	EntriesCommitted Counter
	TokensPurchased  Counter

	// Allocation metrics
	AllocationSucceeded Counter
	AllocationRejected  Counter
	AllocationGross     Histogram
	PlatformRevenue     Counter

	// Refund metrics
	RefundApplied     Counter
	RefundDenied      Counter
	RefundShortfall   Counter
	ReceivablesOpened Counter

	// Payout metrics
	PayoutLocked   Counter
	PayoutReleased Counter
	PayoutRejected Counter
	PayoutAmount   Histogram

	// Reserve metrics
	ReserveMoves  Counter
	ReserveAlerts Counter
	HotReserve    Gauge
	ColdReserve   Gauge

	// Integrity metrics
	AuditRuns           Counter
	AuditDiscrepancies  Counter
	BackingGap          Gauge
	IntegrityViolations Counter
	Contention          Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// NewPrometheusFactory provides a Prometheus-backed factory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		EntriesCommitted: factory.Counter("treasury.entries.committed"),
		TokensPurchased:  factory.Counter("treasury.tokens.purchased"),

		AllocationSucceeded: factory.Counter("treasury.allocation.succeeded"),
		AllocationRejected:  factory.Counter("treasury.allocation.rejected"),
		AllocationGross:     factory.Histogram("treasury.allocation.gross"),
		PlatformRevenue:     factory.Counter("treasury.platform.revenue"),

		RefundApplied:     factory.Counter("treasury.refund.applied"),
		RefundDenied:      factory.Counter("treasury.refund.denied"),
		RefundShortfall:   factory.Counter("treasury.refund.shortfall"),
		ReceivablesOpened: factory.Counter("treasury.receivable.opened"),

		PayoutLocked:   factory.Counter("treasury.payout.locked"),
		PayoutReleased: factory.Counter("treasury.payout.released"),
		PayoutRejected: factory.Counter("treasury.payout.rejected"),
		PayoutAmount:   factory.Histogram("treasury.payout.amount"),

		ReserveMoves:  factory.Counter("treasury.reserve.moves"),
		ReserveAlerts: factory.Counter("treasury.reserve.alerts"),
		HotReserve:    factory.Gauge("treasury.reserve.hot"),
		ColdReserve:   factory.Gauge("treasury.reserve.cold"),

		AuditRuns:           factory.Counter("treasury.audit.runs"),
		AuditDiscrepancies:  factory.Counter("treasury.audit.discrepancies"),
		BackingGap:          factory.Gauge("treasury.audit.backing_gap"),
		IntegrityViolations: factory.Counter("treasury.integrity.violations"),
		Contention:          factory.Counter("treasury.tx.contention"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnEntriesCommitted implements plugin.OnEntriesCommitted.
func (m *MetricsExtension) OnEntriesCommitted(_ context.Context, entries []*entry.Entry) error {
	m.EntriesCommitted.Add(float64(len(entries)))
	return nil
}

// OnPurchased implements plugin.OnPurchased.
func (m *MetricsExtension) OnPurchased(_ context.Context, p *allocation.Purchase) error {
	m.TokensPurchased.Add(float64(p.Amount))
	return nil
}

// ──────────────────────────────────────────────────
// Allocation hooks
// ──────────────────────────────────────────────────

// OnAllocated implements plugin.OnAllocated.
func (m *MetricsExtension) OnAllocated(_ context.Context, r *allocation.Result) error {
	m.AllocationSucceeded.Inc()
	m.AllocationGross.Observe(float64(r.Gross))
	m.PlatformRevenue.Add(float64(r.PlatformCredit))
	return nil
}

// OnAllocationRejected implements plugin.OnAllocationRejected.
func (m *MetricsExtension) OnAllocationRejected(_ context.Context, _ *allocation.Result) error {
	m.AllocationRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Refund hooks
// ──────────────────────────────────────────────────

// OnRefundApplied implements plugin.OnRefundApplied.
func (m *MetricsExtension) OnRefundApplied(_ context.Context, r *refund.Request) error {
	m.RefundApplied.Inc()
	if r.Shortfall > 0 {
		m.RefundShortfall.Add(float64(r.Shortfall))
	}
	return nil
}

// OnRefundDenied implements plugin.OnRefundDenied.
func (m *MetricsExtension) OnRefundDenied(_ context.Context, _ *refund.Request) error {
	m.RefundDenied.Inc()
	return nil
}

// OnReceivableOpened implements plugin.OnReceivableOpened.
func (m *MetricsExtension) OnReceivableOpened(_ context.Context, _ *refund.Receivable) error {
	m.ReceivablesOpened.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayoutLocked implements plugin.OnPayoutLocked.
func (m *MetricsExtension) OnPayoutLocked(_ context.Context, p *payout.Request) error {
	m.PayoutLocked.Inc()
	m.PayoutAmount.Observe(float64(p.Amount))
	return nil
}

// OnPayoutReleased implements plugin.OnPayoutReleased.
func (m *MetricsExtension) OnPayoutReleased(_ context.Context, _ *payout.Request) error {
	m.PayoutReleased.Inc()
	return nil
}

// OnPayoutRejected implements plugin.OnPayoutRejected.
func (m *MetricsExtension) OnPayoutRejected(_ context.Context, _ *payout.Request) error {
	m.PayoutRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reserve hooks
// ──────────────────────────────────────────────────

// OnReserveRebalanced implements plugin.OnReserveRebalanced.
func (m *MetricsExtension) OnReserveRebalanced(_ context.Context, mv *reserve.Move) error {
	m.ReserveMoves.Inc()
	m.HotReserve.Set(float64(mv.HotAfter))
	m.ColdReserve.Set(float64(mv.ColdAfter))
	return nil
}

// OnReserveAlert implements plugin.OnReserveAlert.
func (m *MetricsExtension) OnReserveAlert(_ context.Context, a *reserve.Alert) error {
	m.ReserveAlerts.Inc()
	m.HotReserve.Set(float64(a.Hot))
	m.ColdReserve.Set(float64(a.Cold))
	return nil
}

// ──────────────────────────────────────────────────
// Integrity hooks
// ──────────────────────────────────────────────────

// OnAuditCompleted implements plugin.OnAuditCompleted.
func (m *MetricsExtension) OnAuditCompleted(_ context.Context, r *audit.Report) error {
	m.AuditRuns.Inc()
	m.AuditDiscrepancies.Add(float64(len(r.Discrepancies)))
	m.BackingGap.Set(float64(r.Backing.Gap))
	return nil
}

// OnIntegrityViolation implements plugin.OnIntegrityViolation.
func (m *MetricsExtension) OnIntegrityViolation(_ context.Context, _ []audit.Discrepancy) error {
	m.IntegrityViolations.Inc()
	return nil
}

// OnContention implements plugin.OnContention.
func (m *MetricsExtension) OnContention(_ context.Context, _ string, _ int) error {
	m.Contention.Inc()
	return nil
}
