package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit               []OnInit
	onShutdown           []OnShutdown
	onConfigLoaded       []OnConfigLoaded
	onEntriesCommitted   []OnEntriesCommitted
	onAllocated          []OnAllocated
	onAllocationRejected []OnAllocationRejected
	onPurchased          []OnPurchased
	onRefundApplied      []OnRefundApplied
	onRefundDenied       []OnRefundDenied
	onReceivableOpened   []OnReceivableOpened
	onPayoutLocked       []OnPayoutLocked
	onPayoutReleased     []OnPayoutReleased
	onPayoutRejected     []OnPayoutRejected
	onReserveRebalanced  []OnReserveRebalanced
	onReserveAlert       []OnReserveAlert
	onAuditCompleted     []OnAuditCompleted
	onIntegrityViolation []OnIntegrityViolation
	onContention         []OnContention
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnConfigLoaded); ok {
		r.onConfigLoaded = append(r.onConfigLoaded, v)
	}
	if v, ok := p.(OnEntriesCommitted); ok {
		r.onEntriesCommitted = append(r.onEntriesCommitted, v)
	}
	if v, ok := p.(OnAllocated); ok {
		r.onAllocated = append(r.onAllocated, v)
	}
	if v, ok := p.(OnAllocationRejected); ok {
		r.onAllocationRejected = append(r.onAllocationRejected, v)
	}
	if v, ok := p.(OnPurchased); ok {
		r.onPurchased = append(r.onPurchased, v)
	}
	if v, ok := p.(OnRefundApplied); ok {
		r.onRefundApplied = append(r.onRefundApplied, v)
	}
	if v, ok := p.(OnRefundDenied); ok {
		r.onRefundDenied = append(r.onRefundDenied, v)
	}
	if v, ok := p.(OnReceivableOpened); ok {
		r.onReceivableOpened = append(r.onReceivableOpened, v)
	}
	if v, ok := p.(OnPayoutLocked); ok {
		r.onPayoutLocked = append(r.onPayoutLocked, v)
	}
	if v, ok := p.(OnPayoutReleased); ok {
		r.onPayoutReleased = append(r.onPayoutReleased, v)
	}
	if v, ok := p.(OnPayoutRejected); ok {
		r.onPayoutRejected = append(r.onPayoutRejected, v)
	}
	if v, ok := p.(OnReserveRebalanced); ok {
		r.onReserveRebalanced = append(r.onReserveRebalanced, v)
	}
	if v, ok := p.(OnReserveAlert); ok {
		r.onReserveAlert = append(r.onReserveAlert, v)
	}
	if v, ok := p.(OnAuditCompleted); ok {
		r.onAuditCompleted = append(r.onAuditCompleted, v)
	}
	if v, ok := p.(OnIntegrityViolation); ok {
		r.onIntegrityViolation = append(r.onIntegrityViolation, v)
	}
	if v, ok := p.(OnContention); ok {
		r.onContention = append(r.onContention, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// hookTypes lists every hook interface with the name used in logs.
var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnConfigLoaded", reflect.TypeOf((*OnConfigLoaded)(nil)).Elem()},
	{"OnEntriesCommitted", reflect.TypeOf((*OnEntriesCommitted)(nil)).Elem()},
	{"OnAllocated", reflect.TypeOf((*OnAllocated)(nil)).Elem()},
	{"OnAllocationRejected", reflect.TypeOf((*OnAllocationRejected)(nil)).Elem()},
	{"OnPurchased", reflect.TypeOf((*OnPurchased)(nil)).Elem()},
	{"OnRefundApplied", reflect.TypeOf((*OnRefundApplied)(nil)).Elem()},
	{"OnRefundDenied", reflect.TypeOf((*OnRefundDenied)(nil)).Elem()},
	{"OnReceivableOpened", reflect.TypeOf((*OnReceivableOpened)(nil)).Elem()},
	{"OnPayoutLocked", reflect.TypeOf((*OnPayoutLocked)(nil)).Elem()},
	{"OnPayoutReleased", reflect.TypeOf((*OnPayoutReleased)(nil)).Elem()},
	{"OnPayoutRejected", reflect.TypeOf((*OnPayoutRejected)(nil)).Elem()},
	{"OnReserveRebalanced", reflect.TypeOf((*OnReserveRebalanced)(nil)).Elem()},
	{"OnReserveAlert", reflect.TypeOf((*OnReserveAlert)(nil)).Elem()},
	{"OnAuditCompleted", reflect.TypeOf((*OnAuditCompleted)(nil)).Elem()},
	{"OnIntegrityViolation", reflect.TypeOf((*OnIntegrityViolation)(nil)).Elem()},
	{"OnContention", reflect.TypeOf((*OnContention)(nil)).Elem()},
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			interfaces = append(interfaces, h.name)
		}
	}
	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit snapshots a cached hook list under the read lock and calls each
// plugin in registration order. Failures are logged and swallowed.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, cached *[]T, call func(T) error) {
	r.mu.RLock()
	plugins := *cached
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, t any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error {
		return p.OnInit(ctx, t)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitConfigLoaded emits the effective configuration fingerprint.
func (r *Registry) EmitConfigLoaded(ctx context.Context, fingerprint string) {
	emit(ctx, r, "OnConfigLoaded", &r.onConfigLoaded, func(p OnConfigLoaded) error {
		return p.OnConfigLoaded(ctx, fingerprint)
	})
}

// EmitEntriesCommitted emits the entries of one committed transaction.
func (r *Registry) EmitEntriesCommitted(ctx context.Context, entries []*entry.Entry) {
	if len(entries) == 0 {
		return
	}
	emit(ctx, r, "OnEntriesCommitted", &r.onEntriesCommitted, func(p OnEntriesCommitted) error {
		return p.OnEntriesCommitted(ctx, entries)
	})
}

// EmitAllocated emits a successful allocation.
func (r *Registry) EmitAllocated(ctx context.Context, res *allocation.Result) {
	emit(ctx, r, "OnAllocated", &r.onAllocated, func(p OnAllocated) error {
		return p.OnAllocated(ctx, res)
	})
}

// EmitAllocationRejected emits a refused allocation.
func (r *Registry) EmitAllocationRejected(ctx context.Context, res *allocation.Result) {
	emit(ctx, r, "OnAllocationRejected", &r.onAllocationRejected, func(p OnAllocationRejected) error {
		return p.OnAllocationRejected(ctx, res)
	})
}

// EmitPurchased emits a wallet top-up.
func (r *Registry) EmitPurchased(ctx context.Context, pu *allocation.Purchase) {
	emit(ctx, r, "OnPurchased", &r.onPurchased, func(p OnPurchased) error {
		return p.OnPurchased(ctx, pu)
	})
}

// EmitRefundApplied emits an applied refund.
func (r *Registry) EmitRefundApplied(ctx context.Context, req *refund.Request) {
	emit(ctx, r, "OnRefundApplied", &r.onRefundApplied, func(p OnRefundApplied) error {
		return p.OnRefundApplied(ctx, req)
	})
}

// EmitRefundDenied emits a denied refund.
func (r *Registry) EmitRefundDenied(ctx context.Context, req *refund.Request) {
	emit(ctx, r, "OnRefundDenied", &r.onRefundDenied, func(p OnRefundDenied) error {
		return p.OnRefundDenied(ctx, req)
	})
}

// EmitReceivableOpened emits a newly opened receivable.
func (r *Registry) EmitReceivableOpened(ctx context.Context, rc *refund.Receivable) {
	emit(ctx, r, "OnReceivableOpened", &r.onReceivableOpened, func(p OnReceivableOpened) error {
		return p.OnReceivableOpened(ctx, rc)
	})
}

// EmitPayoutLocked emits a payout whose funds were locked.
func (r *Registry) EmitPayoutLocked(ctx context.Context, req *payout.Request) {
	emit(ctx, r, "OnPayoutLocked", &r.onPayoutLocked, func(p OnPayoutLocked) error {
		return p.OnPayoutLocked(ctx, req)
	})
}

// EmitPayoutReleased emits a released payout.
func (r *Registry) EmitPayoutReleased(ctx context.Context, req *payout.Request) {
	emit(ctx, r, "OnPayoutReleased", &r.onPayoutReleased, func(p OnPayoutReleased) error {
		return p.OnPayoutReleased(ctx, req)
	})
}

// EmitPayoutRejected emits a rejected payout.
func (r *Registry) EmitPayoutRejected(ctx context.Context, req *payout.Request) {
	emit(ctx, r, "OnPayoutRejected", &r.onPayoutRejected, func(p OnPayoutRejected) error {
		return p.OnPayoutRejected(ctx, req)
	})
}

// EmitReserveRebalanced emits a reserve move.
func (r *Registry) EmitReserveRebalanced(ctx context.Context, m *reserve.Move) {
	emit(ctx, r, "OnReserveRebalanced", &r.onReserveRebalanced, func(p OnReserveRebalanced) error {
		return p.OnReserveRebalanced(ctx, m)
	})
}

// EmitReserveAlert emits a liquidity alert.
func (r *Registry) EmitReserveAlert(ctx context.Context, a *reserve.Alert) {
	emit(ctx, r, "OnReserveAlert", &r.onReserveAlert, func(p OnReserveAlert) error {
		return p.OnReserveAlert(ctx, a)
	})
}

// EmitAuditCompleted emits a finished audit report.
func (r *Registry) EmitAuditCompleted(ctx context.Context, rep *audit.Report) {
	emit(ctx, r, "OnAuditCompleted", &r.onAuditCompleted, func(p OnAuditCompleted) error {
		return p.OnAuditCompleted(ctx, rep)
	})
}

// EmitIntegrityViolation emits the discrepancies of one frozen vault.
func (r *Registry) EmitIntegrityViolation(ctx context.Context, d []audit.Discrepancy) {
	emit(ctx, r, "OnIntegrityViolation", &r.onIntegrityViolation, func(p OnIntegrityViolation) error {
		return p.OnIntegrityViolation(ctx, d)
	})
}

// EmitContention emits an exhausted retry loop.
func (r *Registry) EmitContention(ctx context.Context, operation string, attempts int) {
	emit(ctx, r, "OnContention", &r.onContention, func(p OnContention) error {
		return p.OnContention(ctx, operation, attempts)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the settlement pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
