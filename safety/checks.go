package safety

import (
	"context"
	"fmt"
	"slices"
)

// Check names.
const (
	NameKYC     = "kyc"
	NameMethod  = "payout_method"
	NameRegion  = "region"
	NameRisk    = "risk_score"
	NameFraud   = "fraud_score"
	NameBalance = "balance"
)

// ──────────────────────────────────────────────────
// Providers
// ──────────────────────────────────────────────────

// KYCStatus is a creator's identity verification state.
type KYCStatus string

const (
	KYCVerified KYCStatus = "verified"
	KYCPending  KYCStatus = "pending"
	KYCRejected KYCStatus = "rejected"
	KYCNone     KYCStatus = "none"
)

// KYCProvider reports identity verification status.
type KYCProvider interface {
	KYCStatus(ctx context.Context, creatorID string) (KYCStatus, error)
}

// KYCProviderFunc adapts a function to KYCProvider.
type KYCProviderFunc func(ctx context.Context, creatorID string) (KYCStatus, error)

func (f KYCProviderFunc) KYCStatus(ctx context.Context, creatorID string) (KYCStatus, error) {
	return f(ctx, creatorID)
}

// Method describes a creator's registered payout destination.
type Method struct {
	Type     string
	Verified bool
}

// MethodProvider returns the payout method on file.
type MethodProvider interface {
	PayoutMethod(ctx context.Context, creatorID string) (Method, error)
}

// MethodProviderFunc adapts a function to MethodProvider.
type MethodProviderFunc func(ctx context.Context, creatorID string) (Method, error)

func (f MethodProviderFunc) PayoutMethod(ctx context.Context, creatorID string) (Method, error) {
	return f(ctx, creatorID)
}

// RegionProvider returns the legal region of a creator.
type RegionProvider interface {
	Region(ctx context.Context, creatorID string) (string, error)
}

// RegionProviderFunc adapts a function to RegionProvider.
type RegionProviderFunc func(ctx context.Context, creatorID string) (string, error)

func (f RegionProviderFunc) Region(ctx context.Context, creatorID string) (string, error) {
	return f(ctx, creatorID)
}

// Scorer returns a score in [0, 1] for a payout; higher is riskier.
type Scorer interface {
	Score(ctx context.Context, creatorID string, amount int64) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, creatorID string, amount int64) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, creatorID string, amount int64) (float64, error) {
	return f(ctx, creatorID, amount)
}

// ──────────────────────────────────────────────────
// Checks
// ──────────────────────────────────────────────────

// KYCCheck requires a verified identity.
type KYCCheck struct{ Provider KYCProvider }

func (KYCCheck) Name() string { return NameKYC }

func (c KYCCheck) Run(ctx context.Context, s *Subject) (Result, error) {
	status, err := c.Provider.KYCStatus(ctx, s.CreatorID)
	if err != nil {
		return Result{}, err
	}
	if status != KYCVerified {
		return Fail(NameKYC, "kyc_"+string(status)), nil
	}
	return Pass(NameKYC, "kyc_verified"), nil
}

// MethodCheck requires a verified payout method on file.
type MethodCheck struct{ Provider MethodProvider }

func (MethodCheck) Name() string { return NameMethod }

func (c MethodCheck) Run(ctx context.Context, s *Subject) (Result, error) {
	m, err := c.Provider.PayoutMethod(ctx, s.CreatorID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case m.Type == "":
		return Fail(NameMethod, "no_payout_method"), nil
	case !m.Verified:
		return Fail(NameMethod, "payout_method_unverified"), nil
	}
	return Pass(NameMethod, "payout_method_"+m.Type), nil
}

// RegionCheck requires the creator's region to be in Allowed. An empty
// Allowed list accepts any known region.
type RegionCheck struct {
	Provider RegionProvider
	Allowed  []string
}

func (RegionCheck) Name() string { return NameRegion }

func (c RegionCheck) Run(ctx context.Context, s *Subject) (Result, error) {
	region, err := c.Provider.Region(ctx, s.CreatorID)
	if err != nil {
		return Result{}, err
	}
	if region == "" {
		return Fail(NameRegion, "region_unknown"), nil
	}
	if len(c.Allowed) > 0 && !slices.Contains(c.Allowed, region) {
		return Fail(NameRegion, "region_not_eligible:"+region), nil
	}
	return Pass(NameRegion, "region_eligible:"+region), nil
}

// RiskCheck blocks payouts whose risk score reaches Threshold and marks
// scores at or above Advisory for review.
type RiskCheck struct {
	Scorer    Scorer
	Threshold float64
	Advisory  float64
}

func (RiskCheck) Name() string { return NameRisk }

func (c RiskCheck) Run(ctx context.Context, s *Subject) (Result, error) {
	score, err := c.Scorer.Score(ctx, s.CreatorID, s.Amount)
	if err != nil {
		return Result{}, err
	}
	res := scored(NameRisk, score, c.Threshold, "risk_score_exceeded", "risk_score_ok")
	if res.Passed && c.Advisory > 0 && score >= c.Advisory {
		res.Advisory = true
		res.Reason = "risk_score_elevated"
	}
	return res, nil
}

// FraudCheck blocks payouts whose fraud score reaches Threshold.
type FraudCheck struct {
	Scorer    Scorer
	Threshold float64
}

func (FraudCheck) Name() string { return NameFraud }

func (c FraudCheck) Run(ctx context.Context, s *Subject) (Result, error) {
	score, err := c.Scorer.Score(ctx, s.CreatorID, s.Amount)
	if err != nil {
		return Result{}, err
	}
	return scored(NameFraud, score, c.Threshold, "fraud_score_exceeded", "fraud_score_ok"), nil
}

func scored(name string, score, threshold float64, failReason, passReason string) Result {
	if score < 0 || score > 1 {
		return Result{Check: name, Reason: fmt.Sprintf("score_out_of_range:%.4f", score), Score: score}
	}
	if score >= threshold {
		return Result{Check: name, Reason: failReason, Score: score}
	}
	return Result{Check: name, Passed: true, Reason: passReason, Score: score}
}

// BalanceCheck requires the creator vault to hold the amount in its
// available partition and not to be frozen.
type BalanceCheck struct{}

func (BalanceCheck) Name() string { return NameBalance }

func (BalanceCheck) Run(_ context.Context, s *Subject) (Result, error) {
	switch {
	case s.Vault == nil:
		return Fail(NameBalance, "vault_not_found"), nil
	case s.Vault.Frozen:
		return Fail(NameBalance, "vault_frozen"), nil
	case s.Vault.Available < s.Amount:
		return Fail(NameBalance, "insufficient_available_balance"), nil
	}
	return Pass(NameBalance, "available_balance_sufficient"), nil
}

// ──────────────────────────────────────────────────
// Standard pipeline
// ──────────────────────────────────────────────────

// Providers supplies the external data the standard checks need.
type Providers struct {
	KYC    KYCProvider
	Method MethodProvider
	Region RegionProvider
	Risk   Scorer
	Fraud  Scorer
}

// Thresholds configures the standard checks.
type Thresholds struct {
	AllowedRegions []string
	RiskBlock      float64
	RiskAdvisory   float64
	FraudBlock     float64
}

// Standard builds the six-check pipeline: KYC, payout method, region,
// risk score, fraud score, balance. A nil provider drops its check.
func Standard(p Providers, t Thresholds) *Pipeline {
	var checks []Check
	if p.KYC != nil {
		checks = append(checks, KYCCheck{Provider: p.KYC})
	}
	if p.Method != nil {
		checks = append(checks, MethodCheck{Provider: p.Method})
	}
	if p.Region != nil {
		checks = append(checks, RegionCheck{Provider: p.Region, Allowed: t.AllowedRegions})
	}
	if p.Risk != nil {
		checks = append(checks, RiskCheck{Scorer: p.Risk, Threshold: t.RiskBlock, Advisory: t.RiskAdvisory})
	}
	if p.Fraud != nil {
		checks = append(checks, FraudCheck{Scorer: p.Fraud, Threshold: t.FraudBlock})
	}
	checks = append(checks, BalanceCheck{})
	return NewPipeline(checks...)
}
