package treasury

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/treasury/refund"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/safety"
	"github.com/xraph/treasury/split"
)

// Config is the static configuration of a Treasury. It is read once at
// construction; changing it means restarting with a new fingerprint.
type Config struct {
	// CreatorShare is the fraction of every allocation credited to the
	// creator, as a decimal string. The platform receives the remainder.
	CreatorShare string `json:"creator_share" yaml:"creator_share" mapstructure:"creator_share"`

	// Refund policy.
	RefundGraceWindow time.Duration `json:"refund_grace_window" yaml:"refund_grace_window" mapstructure:"refund_grace_window"`
	RefundDailyCap    int           `json:"refund_daily_cap" yaml:"refund_daily_cap" mapstructure:"refund_daily_cap"`

	// Payout safety thresholds. Scores are in [0, 1].
	RiskScoreThreshold  float64  `json:"risk_score_threshold" yaml:"risk_score_threshold" mapstructure:"risk_score_threshold"`
	RiskScoreAdvisory   float64  `json:"risk_score_advisory" yaml:"risk_score_advisory" mapstructure:"risk_score_advisory"`
	FraudScoreThreshold float64  `json:"fraud_score_threshold" yaml:"fraud_score_threshold" mapstructure:"fraud_score_threshold"`
	AllowedRegions      []string `json:"allowed_regions,omitempty" yaml:"allowed_regions" mapstructure:"allowed_regions"`

	Reserve reserve.Config `json:"reserve" yaml:"reserve" mapstructure:"reserve"`

	// Background jobs. A zero interval disables the job.
	RebalanceInterval time.Duration `json:"rebalance_interval" yaml:"rebalance_interval" mapstructure:"rebalance_interval"`
	AuditInterval     time.Duration `json:"audit_interval" yaml:"audit_interval" mapstructure:"audit_interval"`

	// MaxTxAttempts bounds the retries of a conflicting unit of work.
	MaxTxAttempts int `json:"max_tx_attempts" yaml:"max_tx_attempts" mapstructure:"max_tx_attempts"`
	// LeaseTTL is how long a maintenance lease is held before it expires.
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl" mapstructure:"lease_ttl"`
}

// DefaultConfig returns the default configuration: a 65/35 split, a 15
// minute refund grace window and three refunds per spender per day.
func DefaultConfig() Config {
	return Config{
		CreatorShare:        "0.65",
		RefundGraceWindow:   15 * time.Minute,
		RefundDailyCap:      3,
		RiskScoreThreshold:  0.70,
		RiskScoreAdvisory:   0.50,
		FraudScoreThreshold: 0.80,
		Reserve: reserve.Config{
			HotMax:    1_000_000,
			HotTarget: 500_000,
			HotMin:    100_000,
		},
		RebalanceInterval: 5 * time.Minute,
		AuditInterval:     24 * time.Hour,
		MaxTxAttempts:     5,
		LeaseTTL:          2 * time.Minute,
	}
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs MultiError

	if _, err := split.Parse(c.CreatorShare); err != nil {
		errs.Add(ValidationError{Field: "creator_share", Message: err.Error()})
	}
	if c.RefundGraceWindow < 0 {
		errs.Add(ValidationError{Field: "refund_grace_window", Message: "must not be negative"})
	}
	if c.RefundDailyCap < 0 {
		errs.Add(ValidationError{Field: "refund_daily_cap", Message: "must not be negative"})
	}
	for field, v := range map[string]float64{
		"risk_score_threshold":  c.RiskScoreThreshold,
		"risk_score_advisory":   c.RiskScoreAdvisory,
		"fraud_score_threshold": c.FraudScoreThreshold,
	} {
		if v < 0 || v > 1 {
			errs.Add(ValidationError{Field: field, Message: fmt.Sprintf("%v is outside [0, 1]", v)})
		}
	}
	if c.RiskScoreAdvisory > c.RiskScoreThreshold {
		errs.Add(ValidationError{Field: "risk_score_advisory", Message: "must not exceed risk_score_threshold"})
	}
	if err := c.Reserve.Validate(); err != nil {
		errs.Add(ValidationError{Field: "reserve", Message: err.Error()})
	}
	if c.RebalanceInterval < 0 || c.AuditInterval < 0 {
		errs.Add(ValidationError{Field: "interval", Message: "job intervals must not be negative"})
	}
	if c.MaxTxAttempts < 1 {
		errs.Add(ValidationError{Field: "max_tx_attempts", Message: "must be at least 1"})
	}
	if c.LeaseTTL <= 0 {
		errs.Add(ValidationError{Field: "lease_ttl", Message: "must be positive"})
	}

	if !errs.HasErrors() {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errs)
}

// Split returns the split policy described by CreatorShare.
func (c Config) Split() (split.Policy, error) {
	return split.Parse(c.CreatorShare)
}

// RefundPolicy returns the refund eligibility policy.
func (c Config) RefundPolicy() refund.Policy {
	return refund.Policy{GraceWindow: c.RefundGraceWindow, DailyCap: c.RefundDailyCap}
}

// Thresholds returns the thresholds of the standard safety checks.
func (c Config) Thresholds() safety.Thresholds {
	return safety.Thresholds{
		AllowedRegions: c.AllowedRegions,
		RiskBlock:      c.RiskScoreThreshold,
		RiskAdvisory:   c.RiskScoreAdvisory,
		FraudBlock:     c.FraudScoreThreshold,
	}
}

// Fingerprint returns a stable hash of the configuration. It is logged at
// startup so every configuration change leaves a trace.
func (c Config) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// LoadConfigFile reads a YAML configuration file. Fields missing from the
// file keep their DefaultConfig values.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("treasury: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
