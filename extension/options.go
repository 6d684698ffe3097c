package extension

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/lease"
	"github.com/xraph/treasury/plugin"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/store"
)

// Option configures the Treasury Forge extension.
type Option func(*Extension)

// WithStore sets the store for the treasury engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithTreasuryOption passes a treasury.Option through to the underlying engine.
func WithTreasuryOption(opt treasury.Option) Option {
	return func(e *Extension) {
		e.treasuryOpts = append(e.treasuryOpts, opt)
	}
}

// WithPlugin registers a treasury plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.treasuryOpts = append(e.treasuryOpts, treasury.WithPlugin(p))
	}
}

// WithLocker sets the maintenance lease backend, typically lease.NewRedis
// when several instances share a store.
func WithLocker(l lease.Locker) Option {
	return func(e *Extension) {
		e.treasuryOpts = append(e.treasuryOpts, treasury.WithLocker(l))
	}
}

// WithMetrics registers the observability plugin on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Extension) {
		e.metrics = reg
		e.useMetrics = true
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableStart prevents migrations and background jobs on start.
func WithDisableStart() Option {
	return func(e *Extension) { e.config.DisableStart = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithCreatorShare sets the creator's fraction of every allocation.
func WithCreatorShare(share string) Option {
	return func(e *Extension) { e.config.CreatorShare = share }
}

// WithRefundPolicy sets the refund grace window and daily cap.
func WithRefundPolicy(grace time.Duration, dailyCap int) Option {
	return func(e *Extension) {
		e.config.RefundGraceWindow = grace
		e.config.RefundDailyCap = dailyCap
		e.config.markSet(keyRefundGraceWindow)
		e.config.markSet(keyRefundDailyCap)
	}
}

// WithReserve sets the hot reserve band.
func WithReserve(cfg reserve.Config) Option {
	return func(e *Extension) { e.config.Reserve = cfg }
}

// WithRebalanceInterval sets how often the reserve rebalancer runs. Zero
// disables it.
func WithRebalanceInterval(d time.Duration) Option {
	return func(e *Extension) {
		e.config.RebalanceInterval = d
		e.config.markSet(keyRebalanceInterval)
	}
}

// WithAuditInterval sets how often the integrity auditor runs. Zero
// disables it.
func WithAuditInterval(d time.Duration) Option {
	return func(e *Extension) {
		e.config.AuditInterval = d
		e.config.markSet(keyAuditInterval)
	}
}

// WithKafka enables the event bus on the given brokers.
func WithKafka(brokers ...string) Option {
	return func(e *Extension) { e.config.KafkaBrokers = brokers }
}
