package extension

import (
	"testing"
	"time"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/reserve"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{})
	def := treasury.DefaultConfig()

	if cfg.CreatorShare != def.CreatorShare {
		t.Errorf("CreatorShare = %q, want %q", cfg.CreatorShare, def.CreatorShare)
	}
	if cfg.Reserve != def.Reserve {
		t.Errorf("Reserve = %+v, want %+v", cfg.Reserve, def.Reserve)
	}
	if cfg.MaxTxAttempts != def.MaxTxAttempts {
		t.Errorf("MaxTxAttempts = %d, want %d", cfg.MaxTxAttempts, def.MaxTxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged defaults invalid: %v", err)
	}
}

func TestMergeConfigurations(t *testing.T) {
	tests := []struct {
		name  string
		yaml  Config
		prog  Config
		check func(t *testing.T, got Config)
	}{
		{
			name: "yaml wins over programmatic",
			yaml: Config{Config: treasury.Config{CreatorShare: "0.70"}},
			prog: Config{Config: treasury.Config{CreatorShare: "0.60"}},
			check: func(t *testing.T, got Config) {
				if got.CreatorShare != "0.70" {
					t.Errorf("CreatorShare = %q", got.CreatorShare)
				}
			},
		},
		{
			name: "programmatic fills gaps",
			yaml: Config{Config: treasury.Config{CreatorShare: "0.70"}},
			prog: Config{
				Config:       treasury.Config{RefundGraceWindow: 30 * time.Minute},
				KafkaBrokers: []string{"kafka:9092"},
			},
			check: func(t *testing.T, got Config) {
				if got.RefundGraceWindow != 30*time.Minute {
					t.Errorf("RefundGraceWindow = %v", got.RefundGraceWindow)
				}
				if len(got.KafkaBrokers) != 1 || got.KafkaBrokers[0] != "kafka:9092" {
					t.Errorf("KafkaBrokers = %v", got.KafkaBrokers)
				}
			},
		},
		{
			name: "disable start sticks",
			prog: Config{DisableStart: true},
			check: func(t *testing.T, got Config) {
				if !got.DisableStart {
					t.Error("DisableStart lost")
				}
			},
		},
		{
			name: "reserve band kept whole",
			yaml: Config{Config: treasury.Config{Reserve: reserve.Config{HotMax: 10, HotTarget: 5}}},
			check: func(t *testing.T, got Config) {
				want := reserve.Config{HotMax: 10, HotTarget: 5}
				if got.Reserve != want {
					t.Errorf("Reserve = %+v, want %+v", got.Reserve, want)
				}
			},
		},
		{
			name: "configured zeros survive defaults",
			yaml: func() Config {
				c := Config{Config: treasury.Config{CreatorShare: "0.70"}}
				c.markSet(keyRefundDailyCap)
				c.markSet(keyRebalanceInterval)
				c.markSet(keyAuditInterval)
				return c
			}(),
			prog: Config{Config: treasury.Config{RebalanceInterval: time.Minute}},
			check: func(t *testing.T, got Config) {
				if got.RefundDailyCap != 0 {
					t.Errorf("RefundDailyCap = %d, want 0", got.RefundDailyCap)
				}
				if got.RebalanceInterval != 0 || got.AuditInterval != 0 {
					t.Errorf("intervals = %v/%v, want disabled", got.RebalanceInterval, got.AuditInterval)
				}
				if got.RefundGraceWindow != treasury.DefaultConfig().RefundGraceWindow {
					t.Errorf("unset RefundGraceWindow = %v", got.RefundGraceWindow)
				}
				if err := got.Validate(); err != nil {
					t.Errorf("merged config invalid: %v", err)
				}
			},
		},
		{
			name: "programmatic zero fills yaml gap",
			yaml: Config{Config: treasury.Config{CreatorShare: "0.70"}},
			prog: func() Config {
				c := Config{}
				c.markSet(keyAuditInterval)
				return c
			}(),
			check: func(t *testing.T, got Config) {
				if got.AuditInterval != 0 {
					t.Errorf("AuditInterval = %v, want 0", got.AuditInterval)
				}
				if got.RebalanceInterval != treasury.DefaultConfig().RebalanceInterval {
					t.Errorf("RebalanceInterval = %v", got.RebalanceInterval)
				}
			},
		},
		{
			name: "defaults last",
			check: func(t *testing.T, got Config) {
				if got.AuditInterval != treasury.DefaultConfig().AuditInterval {
					t.Errorf("AuditInterval = %v", got.AuditInterval)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, mergeConfigurations(tt.yaml, tt.prog))
		})
	}
}

func TestMergeWithDefaultsKeepsOptionZeros(t *testing.T) {
	e := New(WithRefundPolicy(time.Hour, 0), WithAuditInterval(0))
	cfg := mergeWithDefaults(e.config)

	if cfg.RefundDailyCap != 0 || cfg.AuditInterval != 0 {
		t.Errorf("cap/audit = %d/%v, want 0/0", cfg.RefundDailyCap, cfg.AuditInterval)
	}
	if cfg.RebalanceInterval != treasury.DefaultConfig().RebalanceInterval {
		t.Errorf("RebalanceInterval = %v", cfg.RebalanceInterval)
	}
}
