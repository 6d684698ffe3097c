// Package split holds the fixed creator/platform revenue split.
//
// A Policy is built once from configuration and never varies per request.
// The creator share is floored and the platform receives the remainder, so
// the two credits always add up to the gross amount exactly.
package split

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidShare is returned for a creator share outside (0, 1).
var ErrInvalidShare = errors.New("split: creator share must be between 0 and 1 exclusive")

// Policy is an immutable creator/platform split.
// The zero value is not usable; construct it with New or Parse.
type Policy struct {
	share decimal.Decimal
}

// Shares is the outcome of splitting one gross amount.
type Shares struct {
	Creator  int64 `json:"creator"`
	Platform int64 `json:"platform"`
}

// New creates a policy with the given creator share.
func New(creatorShare decimal.Decimal) (Policy, error) {
	if !creatorShare.IsPositive() || creatorShare.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Policy{}, fmt.Errorf("%w: got %s", ErrInvalidShare, creatorShare.String())
	}
	return Policy{share: creatorShare}, nil
}

// Parse creates a policy from a decimal string such as "0.65".
func Parse(s string) (Policy, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Policy{}, fmt.Errorf("split: parse creator share %q: %w", s, err)
	}
	return New(d)
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Policy {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the policy was never initialised.
func (p Policy) IsZero() bool { return p.share.IsZero() }

// CreatorShare returns the configured creator share.
func (p Policy) CreatorShare() decimal.Decimal { return p.share }

// Split divides gross into the creator credit floor(gross*share) and the
// platform remainder. gross must be positive.
func (p Policy) Split(gross int64) Shares {
	creator := decimal.NewFromInt(gross).Mul(p.share).Floor().IntPart()
	return Shares{
		Creator:  creator,
		Platform: gross - creator,
	}
}

// String renders the policy as whole percentages, e.g. "65/35".
// Shares with fractional percentages keep their decimals, e.g. "62.5/37.5".
func (p Policy) String() string {
	hundred := decimal.NewFromInt(100)
	creator := p.share.Mul(hundred)
	return creator.String() + "/" + hundred.Sub(creator).String()
}
