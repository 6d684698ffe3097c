// Package safety implements the payout safety gate: an ordered list of
// independent checks run by a generic pipeline.
//
// Each Check returns a uniform Result. The pipeline stops at the first hard
// failure but keeps the results of every check it attempted, so that the
// payout request carries a complete record of why it was locked or rejected.
// New checks plug in by implementing Check; the pipeline does not change.
package safety

import (
	"context"
	"fmt"

	"github.com/xraph/treasury/vault"
)

// Result is the outcome of one check.
type Result struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	// Advisory marks a passing result that operators should look at.
	// Advisory results never block.
	Advisory bool    `json:"advisory,omitempty"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score,omitempty"`
}

// Pass builds a passing result.
func Pass(check, reason string) Result {
	return Result{Check: check, Passed: true, Reason: reason}
}

// Fail builds a hard failure.
func Fail(check, reason string) Result {
	return Result{Check: check, Passed: false, Reason: reason}
}

// Subject is what a check inspects. Vault is read inside the same store
// transaction that will lock the funds.
type Subject struct {
	RequestID string
	CreatorID string
	Amount    int64
	Vault     *vault.Vault
}

// Check is one safety rule.
type Check interface {
	Name() string
	// Run evaluates the subject. A returned error means the check could
	// not be evaluated; it aborts the pipeline without a verdict.
	Run(ctx context.Context, s *Subject) (Result, error)
}

// Outcome is the pipeline verdict.
type Outcome struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
	// FailedCheck names the check that short-circuited the pipeline.
	FailedCheck string `json:"failed_check,omitempty"`
}

// Advisories returns the advisory results.
func (o Outcome) Advisories() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Advisory {
			out = append(out, r)
		}
	}
	return out
}

// Pipeline runs checks in order.
type Pipeline struct {
	checks []Check
}

// NewPipeline creates a pipeline over checks, run in the given order.
func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: append([]Check(nil), checks...)}
}

// Names returns the check names in run order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.Name()
	}
	return names
}

// Run evaluates every check until the first hard failure.
func (p *Pipeline) Run(ctx context.Context, s *Subject) (Outcome, error) {
	out := Outcome{Passed: true, Results: make([]Result, 0, len(p.checks))}
	for _, c := range p.checks {
		res, err := c.Run(ctx, s)
		if err != nil {
			return out, fmt.Errorf("safety: check %s: %w", c.Name(), err)
		}
		if res.Check == "" {
			res.Check = c.Name()
		}
		if !res.Passed {
			res.Advisory = false
		}
		out.Results = append(out.Results, res)

		if !res.Passed {
			out.Passed = false
			out.FailedCheck = res.Check
			return out, nil
		}
	}
	return out, nil
}
