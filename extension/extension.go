// Package extension provides the Forge extension adapter for Treasury.
//
// It implements the forge.Extension interface to integrate Treasury
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.treasury" or "treasury" keys.
package extension

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/eventbus"
	"github.com/xraph/treasury/observability"
	"github.com/xraph/treasury/store"
	"github.com/xraph/treasury/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "treasury"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Multi-vault token treasury and settlement engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Treasury as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config       Config
	engine       *treasury.Treasury
	store        store.Store
	treasuryOpts []treasury.Option

	metrics    prometheus.Registerer
	useMetrics bool
}

// New creates a new Treasury Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Treasury instance.
// This is nil until Register is called.
func (e *Extension) Engine() *treasury.Treasury { return e.engine }

// Config returns the extension configuration as set so far. After Register
// it is the merged configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration,
// initializes the treasury engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.Logger().Warn("treasury: no store configured, using the in-memory store")
		e.store = memory.New()
	}

	opts, err := e.buildTreasuryOpts()
	if err != nil {
		return err
	}

	eng, err := treasury.New(e.store, opts...)
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*treasury.Treasury, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("treasury: extension not initialized")
	}

	if !e.config.DisableStart {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("treasury: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildTreasuryOpts constructs treasury.Option values from the resolved config.
func (e *Extension) buildTreasuryOpts() ([]treasury.Option, error) {
	opts := make([]treasury.Option, 0, len(e.treasuryOpts)+3)
	opts = append(opts, treasury.WithConfig(e.config.Config))

	if e.useMetrics {
		opts = append(opts, treasury.WithPlugin(
			observability.NewMetricsExtension(observability.NewPrometheusFactory(e.metrics)),
		))
	}

	if len(e.config.KafkaBrokers) > 0 {
		pub, err := eventbus.NewKafka(e.config.KafkaBrokers,
			eventbus.WithTopics(e.config.KafkaEntriesTopic, e.config.KafkaEventsTopic),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, treasury.WithPlugin(pub))
	}

	// Append any pass-through treasury options.
	opts = append(opts, e.treasuryOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("treasury: configuration is required but not found in config files; " +
				"ensure 'extensions.treasury' or 'treasury' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("treasury: configuration loaded",
		forge.F("disable_start", e.config.DisableStart),
		forge.F("creator_share", e.config.CreatorShare),
		forge.F("refund_grace_window", e.config.RefundGraceWindow),
		forge.F("refund_daily_cap", e.config.RefundDailyCap),
		forge.F("rebalance_interval", e.config.RebalanceInterval),
		forge.F("audit_interval", e.config.AuditInterval),
		forge.F("kafka", len(e.config.KafkaBrokers) > 0),
		forge.F("fingerprint", e.config.Fingerprint()),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.treasury", "treasury"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		err := cm.Bind(key, &cfg)
		if err == nil {
			for _, field := range zeroableKeys {
				if cm.IsSet(key + "." + field) {
					cfg.markSet(field)
				}
			}
			e.Logger().Debug("treasury: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("treasury: failed to bind config",
			forge.F("key", key),
			forge.F("error", err.Error()),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	fillEngineGaps(&cfg.Config, treasury.DefaultConfig(), cfg.explicit)
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableStart {
		yamlConfig.DisableStart = true
	}
	if len(yamlConfig.KafkaBrokers) == 0 {
		yamlConfig.KafkaBrokers = programmaticConfig.KafkaBrokers
	}
	if yamlConfig.KafkaEntriesTopic == "" {
		yamlConfig.KafkaEntriesTopic = programmaticConfig.KafkaEntriesTopic
	}
	if yamlConfig.KafkaEventsTopic == "" {
		yamlConfig.KafkaEventsTopic = programmaticConfig.KafkaEventsTopic
	}
	fillEngineGaps(&yamlConfig.Config, programmaticConfig.Config, yamlConfig.explicit)
	for _, key := range zeroableKeys {
		if programmaticConfig.isSet(key) {
			yamlConfig.markSet(key)
		}
	}

	return mergeWithDefaults(yamlConfig)
}
