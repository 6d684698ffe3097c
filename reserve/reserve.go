// Package reserve keeps the hot reserve within its configured bounds by
// planning moves between the hot and cold reserve vaults.
package reserve

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/vault"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("reserve: invalid thresholds")

// Config holds the hot reserve thresholds.
type Config struct {
	HotMax    int64 `json:"hot_max"    yaml:"hot_max"    mapstructure:"hot_max"`
	HotTarget int64 `json:"hot_target" yaml:"hot_target" mapstructure:"hot_target"`
	HotMin    int64 `json:"hot_min"    yaml:"hot_min"    mapstructure:"hot_min"`
}

// Validate requires 0 <= HotMin <= HotTarget <= HotMax.
func (c Config) Validate() error {
	if c.HotMin < 0 || c.HotMin > c.HotTarget || c.HotTarget > c.HotMax {
		return fmt.Errorf("%w: need 0 <= min(%d) <= target(%d) <= max(%d)",
			ErrInvalidConfig, c.HotMin, c.HotTarget, c.HotMax)
	}
	return nil
}

// Direction of a reserve move.
type Direction string

const (
	HotToCold Direction = "hot_to_cold"
	ColdToHot Direction = "cold_to_hot"
)

// EventType returns the ledger event type recorded for d.
func (d Direction) EventType() entry.EventType {
	if d == HotToCold {
		return entry.HotToCold
	}
	return entry.ColdToHot
}

// From and To return the source and destination vaults.
func (d Direction) From() vault.ID {
	if d == HotToCold {
		return vault.HotReserve
	}
	return vault.ColdReserve
}

func (d Direction) To() vault.ID {
	if d == HotToCold {
		return vault.ColdReserve
	}
	return vault.HotReserve
}

// Action is what a plan asks the rebalancer to do.
type Action string

const (
	ActionNone  Action = "none"
	ActionMove  Action = "move"
	ActionAlert Action = "alert"
)

// Plan is the rebalancing decision for one pair of reserve balances.
type Plan struct {
	Action    Action    `json:"action"`
	Direction Direction `json:"direction,omitempty"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
}

// Plan decides how to bring hot back within bounds. Above HotMax it moves
// hot-target to cold; below HotMin it moves target-hot from cold, or
// raises an alert when cold cannot cover it.
func (c Config) Plan(hot, cold int64) Plan {
	switch {
	case hot > c.HotMax:
		return Plan{Action: ActionMove, Direction: HotToCold, Amount: hot - c.HotTarget, Reason: "hot_above_max"}
	case hot < c.HotMin:
		need := c.HotTarget - hot
		if cold < need {
			return Plan{Action: ActionAlert, Direction: ColdToHot, Amount: need, Reason: "cold_insufficient"}
		}
		return Plan{Action: ActionMove, Direction: ColdToHot, Amount: need, Reason: "hot_below_min"}
	default:
		return Plan{Action: ActionNone, Reason: "within_bounds"}
	}
}

// Move is the outcome of one rebalance run.
type Move struct {
	Plan

	TransactionID id.TransactionID `json:"transaction_id,omitempty"`
	HotBefore     int64            `json:"hot_before"`
	ColdBefore    int64            `json:"cold_before"`
	HotAfter      int64            `json:"hot_after"`
	ColdAfter     int64            `json:"cold_after"`

	// Skipped is set when the run could not take its leases.
	Skipped bool      `json:"skipped,omitempty"`
	At      time.Time `json:"at"`
}

// Alert describes a rebalance that could not be funded.
type Alert struct {
	Hot    int64     `json:"hot"`
	Cold   int64     `json:"cold"`
	Needed int64     `json:"needed"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
