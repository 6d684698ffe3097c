package reserve_test

import (
	"errors"
	"testing"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/vault"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     reserve.Config
		wantErr bool
	}{
		{"ordered", reserve.Config{HotMax: 100, HotTarget: 50, HotMin: 10}, false},
		{"all equal", reserve.Config{HotMax: 5, HotTarget: 5, HotMin: 5}, false},
		{"zero", reserve.Config{}, false},
		{"negative min", reserve.Config{HotMax: 10, HotTarget: 5, HotMin: -1}, true},
		{"min above target", reserve.Config{HotMax: 10, HotTarget: 5, HotMin: 6}, true},
		{"target above max", reserve.Config{HotMax: 10, HotTarget: 11, HotMin: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, reserve.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	cfg := reserve.Config{HotMax: 1000, HotTarget: 600, HotMin: 200}

	tests := []struct {
		name      string
		hot, cold int64
		want      reserve.Plan
	}{
		{"within", 600, 0, reserve.Plan{Action: reserve.ActionNone, Reason: "within_bounds"}},
		{"at max", 1000, 0, reserve.Plan{Action: reserve.ActionNone, Reason: "within_bounds"}},
		{"at min", 200, 0, reserve.Plan{Action: reserve.ActionNone, Reason: "within_bounds"}},
		{"above max", 1500, 0, reserve.Plan{Action: reserve.ActionMove, Direction: reserve.HotToCold, Amount: 900, Reason: "hot_above_max"}},
		{"below min", 100, 5000, reserve.Plan{Action: reserve.ActionMove, Direction: reserve.ColdToHot, Amount: 500, Reason: "hot_below_min"}},
		{"below min exact cold", 100, 500, reserve.Plan{Action: reserve.ActionMove, Direction: reserve.ColdToHot, Amount: 500, Reason: "hot_below_min"}},
		{"cold short", 100, 499, reserve.Plan{Action: reserve.ActionAlert, Direction: reserve.ColdToHot, Amount: 500, Reason: "cold_insufficient"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Plan(tt.hot, tt.cold); got != tt.want {
				t.Errorf("Plan(%d, %d) = %+v, want %+v", tt.hot, tt.cold, got, tt.want)
			}
		})
	}
}

func TestDirection(t *testing.T) {
	if reserve.HotToCold.From() != vault.HotReserve || reserve.HotToCold.To() != vault.ColdReserve {
		t.Error("hot_to_cold endpoints wrong")
	}
	if reserve.ColdToHot.From() != vault.ColdReserve || reserve.ColdToHot.To() != vault.HotReserve {
		t.Error("cold_to_hot endpoints wrong")
	}
	if reserve.HotToCold.EventType() != entry.HotToCold || reserve.ColdToHot.EventType() != entry.ColdToHot {
		t.Error("event types wrong")
	}
}
