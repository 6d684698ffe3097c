package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-co-op/gocron/v2"

	"github.com/xraph/treasury/lease"
	"github.com/xraph/treasury/plugin"
	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/safety"
	"github.com/xraph/treasury/split"
	"github.com/xraph/treasury/store"
)

// Treasury is the settlement engine. All methods are safe for concurrent
// use; correctness across processes comes from the store's transactions.
type Treasury struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   func() time.Time

	config   Config
	split    split.Policy
	refunds  refund.Policy
	safety   *safety.Pipeline
	delivery refund.DeliveryOracle
	locker   lease.Locker

	providers    *safety.Providers
	pluginErrors []error

	mu        sync.Mutex
	scheduler gocron.Scheduler
	started   bool
}

// Option configures a Treasury instance.
type Option func(*Treasury)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(t *Treasury) {
		t.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Treasury) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Treasury) {
		if err := t.plugins.Register(p); err != nil {
			t.pluginErrors = append(t.pluginErrors, err)
		}
	}
}

// WithClock overrides the time source. Tests use it to move through the
// refund grace window.
func WithClock(now func() time.Time) Option {
	return func(t *Treasury) {
		t.clock = now
	}
}

// WithSafetyPipeline sets the payout safety pipeline explicitly.
func WithSafetyPipeline(p *safety.Pipeline) Option {
	return func(t *Treasury) {
		t.safety = p
	}
}

// WithSafetyProviders builds the standard six-check pipeline from the
// given providers and the configured thresholds.
func WithSafetyProviders(p safety.Providers) Option {
	return func(t *Treasury) {
		t.providers = &p
	}
}

// WithDeliveryOracle sets the source of content delivery status used by
// the refund policy.
func WithDeliveryOracle(o refund.DeliveryOracle) Option {
	return func(t *Treasury) {
		t.delivery = o
	}
}

// WithLocker sets the lease provider that keeps the rebalancer and the
// auditor from working on the same vault at once. Use a shared locker
// such as lease.Redis when several processes run the background jobs.
func WithLocker(l lease.Locker) Option {
	return func(t *Treasury) {
		t.locker = l
	}
}

// New creates a Treasury over s. It fails when the configuration is
// invalid; a Treasury that was constructed always has a valid split.
func New(s store.Store, opts ...Option) (*Treasury, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	t := &Treasury{
		store:    s,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		clock:    time.Now,
		config:   DefaultConfig(),
		delivery: refund.UnknownDelivery,
	}

	for _, opt := range opts {
		opt(t)
	}
	if len(t.pluginErrors) > 0 {
		return nil, errors.Join(t.pluginErrors...)
	}

	if err := t.config.Validate(); err != nil {
		return nil, err
	}
	pol, err := t.config.Split()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	t.split = pol
	t.refunds = t.config.RefundPolicy()

	switch {
	case t.safety != nil:
	case t.providers != nil:
		t.safety = safety.Standard(*t.providers, t.config.Thresholds())
	default:
		t.safety = safety.NewPipeline(safety.BalanceCheck{})
		t.logger.Warn("treasury: no safety providers configured, payouts are gated on balance only")
	}
	if t.locker == nil {
		t.locker = lease.NewLocal()
	}

	return t, nil
}

// Config returns the effective configuration.
func (t *Treasury) Config() Config { return t.config }

// Store returns the underlying store.
func (t *Treasury) Store() store.Store { return t.store }

// Plugins returns the plugin registry.
func (t *Treasury) Plugins() *plugin.Registry { return t.plugins }

// SafetyChecks returns the names of the payout checks in run order.
func (t *Treasury) SafetyChecks() []string { return t.safety.Names() }

func (t *Treasury) now() time.Time { return t.clock().UTC() }

// Start migrates the store, initializes plugins and schedules the
// rebalancer and the auditor.
func (t *Treasury) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	// Migrate database
	if err := t.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	fp := t.config.Fingerprint()
	t.logger.Info("treasury configuration loaded",
		"fingerprint", fp,
		"split", t.split.String(),
		"refund_grace_window", t.config.RefundGraceWindow,
		"refund_daily_cap", t.config.RefundDailyCap,
		"reserve_hot_min", t.config.Reserve.HotMin,
		"reserve_hot_target", t.config.Reserve.HotTarget,
		"reserve_hot_max", t.config.Reserve.HotMax,
		"safety_checks", t.safety.Names(),
	)

	// Initialize plugins
	t.plugins.EmitInit(ctx, t)
	t.plugins.EmitConfigLoaded(ctx, fp)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("treasury: create scheduler: %w", err)
	}
	if err := t.schedule(sched, "treasury-rebalance", t.config.RebalanceInterval, t.runRebalance); err != nil {
		return err
	}
	if err := t.schedule(sched, "treasury-audit", t.config.AuditInterval, t.runAudit); err != nil {
		return err
	}
	sched.Start()
	t.scheduler = sched
	t.started = true

	t.logger.Info("treasury started",
		"rebalance_interval", t.config.RebalanceInterval,
		"audit_interval", t.config.AuditInterval,
	)
	return nil
}

func (t *Treasury) schedule(s gocron.Scheduler, name string, every time.Duration, fn func()) error {
	if every <= 0 {
		t.logger.Info("treasury job disabled", "job", name)
		return nil
	}
	_, err := s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("treasury: schedule %s: %w", name, err)
	}
	return nil
}

func (t *Treasury) runRebalance() {
	if _, err := t.Rebalance(context.Background()); err != nil {
		t.logger.Error("scheduled rebalance failed", "error", err)
	}
}

func (t *Treasury) runAudit() {
	if _, err := t.Audit(context.Background()); err != nil {
		t.logger.Error("scheduled audit failed", "error", err)
	}
}

// Stop shuts down the scheduler, notifies plugins and closes the store.
func (t *Treasury) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduler != nil {
		if err := t.scheduler.Shutdown(); err != nil {
			t.logger.Warn("scheduler shutdown failed", "error", err)
		}
		t.scheduler = nil
	}
	t.started = false

	ctx := context.Background()
	t.plugins.EmitShutdown(ctx)

	return t.store.Close()
}

// ──────────────────────────────────────────────────
// Unit of work
// ──────────────────────────────────────────────────

// inTx runs fn in a store transaction, retrying it with exponential
// backoff while the store reports conflicts. fn must reset any state it
// captured from a previous attempt.
func (t *Treasury) inTx(ctx context.Context, op string, fn store.TxFunc) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := t.store.RunInTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrTransactionConflict):
			t.logger.Debug("transaction conflict",
				"operation", op,
				"attempt", attempts,
				"error", err,
			)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(t.backOff()),
		backoff.WithMaxTries(uint(t.config.MaxTxAttempts)),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransactionConflict) {
		t.logger.Error("transaction retries exhausted",
			"operation", op,
			"attempts", attempts,
		)
		t.plugins.EmitContention(ctx, op, attempts)
		return fmt.Errorf("%w: %s after %d attempts", ErrTransactionContention, op, attempts)
	}
	return err
}

func (t *Treasury) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}
