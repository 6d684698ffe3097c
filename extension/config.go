package extension

import (
	"github.com/xraph/treasury"
)

// Config holds the Treasury extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.treasury" or "treasury" keys).
// The engine settings sit at the same level as the extension flags.
type Config struct {
	treasury.Config `json:",inline" yaml:",inline" mapstructure:",squash"`

	// DisableStart prevents migrations and background jobs on start.
	DisableStart bool `json:"disable_start" mapstructure:"disable_start" yaml:"disable_start"`

	// KafkaBrokers enables the event bus when non-empty.
	KafkaBrokers []string `json:"kafka_brokers,omitempty" mapstructure:"kafka_brokers" yaml:"kafka_brokers"`
	// KafkaEntriesTopic and KafkaEventsTopic override the event bus topics.
	KafkaEntriesTopic string `json:"kafka_entries_topic,omitempty" mapstructure:"kafka_entries_topic" yaml:"kafka_entries_topic"`
	KafkaEventsTopic  string `json:"kafka_events_topic,omitempty" mapstructure:"kafka_events_topic" yaml:"kafka_events_topic"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`

	// explicit records the zeroable settings that were set on purpose, so
	// that a configured zero survives the merge with defaults.
	explicit map[string]bool
}

// Settings for which zero is a meaningful value rather than "unset".
const (
	keyRefundGraceWindow = "refund_grace_window"
	keyRefundDailyCap    = "refund_daily_cap"
	keyRebalanceInterval = "rebalance_interval"
	keyAuditInterval     = "audit_interval"
)

var zeroableKeys = []string{keyRefundGraceWindow, keyRefundDailyCap, keyRebalanceInterval, keyAuditInterval}

// markSet records that key was configured explicitly.
func (c *Config) markSet(key string) {
	if c.explicit == nil {
		c.explicit = make(map[string]bool)
	}
	c.explicit[key] = true
}

func (c Config) isSet(key string) bool { return c.explicit[key] }

// DefaultConfig returns a Config with the engine defaults.
func DefaultConfig() Config {
	return Config{Config: treasury.DefaultConfig()}
}

// fillEngineGaps copies every zero-valued engine setting of dst from src.
// Zeroable settings in set keep their value even when it is zero.
func fillEngineGaps(dst *treasury.Config, src treasury.Config, set map[string]bool) {
	if dst.CreatorShare == "" {
		dst.CreatorShare = src.CreatorShare
	}
	if dst.RefundGraceWindow == 0 && !set[keyRefundGraceWindow] {
		dst.RefundGraceWindow = src.RefundGraceWindow
	}
	if dst.RefundDailyCap == 0 && !set[keyRefundDailyCap] {
		dst.RefundDailyCap = src.RefundDailyCap
	}
	if dst.RiskScoreThreshold == 0 {
		dst.RiskScoreThreshold = src.RiskScoreThreshold
	}
	if dst.RiskScoreAdvisory == 0 {
		dst.RiskScoreAdvisory = src.RiskScoreAdvisory
	}
	if dst.FraudScoreThreshold == 0 {
		dst.FraudScoreThreshold = src.FraudScoreThreshold
	}
	if len(dst.AllowedRegions) == 0 {
		dst.AllowedRegions = src.AllowedRegions
	}
	if dst.Reserve.HotMax == 0 && dst.Reserve.HotTarget == 0 && dst.Reserve.HotMin == 0 {
		dst.Reserve = src.Reserve
	}
	if dst.RebalanceInterval == 0 && !set[keyRebalanceInterval] {
		dst.RebalanceInterval = src.RebalanceInterval
	}
	if dst.AuditInterval == 0 && !set[keyAuditInterval] {
		dst.AuditInterval = src.AuditInterval
	}
	if dst.MaxTxAttempts == 0 {
		dst.MaxTxAttempts = src.MaxTxAttempts
	}
	if dst.LeaseTTL == 0 {
		dst.LeaseTTL = src.LeaseTTL
	}
}
