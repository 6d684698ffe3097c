package refund

import "time"

// Reason is a machine-readable eligibility outcome.
type Reason string

const (
	ReasonWithinGraceWindow  Reason = "within_grace_window"
	ReasonNotDelivered       Reason = "not_delivered"
	ReasonAlreadyRefunded    Reason = "already_refunded"
	ReasonDailyCapExceeded   Reason = "daily_cap_exceeded"
	ReasonAlreadyDelivered   Reason = "already_delivered"
	ReasonGraceWindowExpired Reason = "grace_window_expired"
)

// Eligibility is the pass/fail decision of the refund policy.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason"`
}

// Policy decides whether a refund may be applied.
type Policy struct {
	// GraceWindow is how long after the original allocation a refund is
	// allowed regardless of delivery, unless delivery was confirmed.
	GraceWindow time.Duration
	// DailyCap is the number of refunds a spender may have applied in any
	// rolling 24 hour period.
	DailyCap int
}

// CapWindow is the rolling period the daily cap is counted over.
const CapWindow = 24 * time.Hour

// Facts is everything Evaluate needs to know about one refund attempt.
type Facts struct {
	AlreadyRefunded bool
	// AppliedInWindow counts the spender's applied refunds in the last
	// CapWindow.
	AppliedInWindow int
	Delivery        DeliveryStatus
	OriginalAt      time.Time
	Now             time.Time
}

// Evaluate applies the policy. Hard rejections are checked first: a prior
// refund, the daily cap and confirmed delivery each deny regardless of the
// grace window.
func (p Policy) Evaluate(f Facts) Eligibility {
	switch {
	case f.AlreadyRefunded:
		return deny(ReasonAlreadyRefunded)
	case p.DailyCap > 0 && f.AppliedInWindow >= p.DailyCap:
		return deny(ReasonDailyCapExceeded)
	case f.Delivery == DeliveryConfirmed:
		return deny(ReasonAlreadyDelivered)
	case f.Now.Sub(f.OriginalAt) <= p.GraceWindow:
		return allow(ReasonWithinGraceWindow)
	case f.Delivery == DeliveryNotDelivered:
		return allow(ReasonNotDelivered)
	default:
		return deny(ReasonGraceWindowExpired)
	}
}

func allow(r Reason) Eligibility { return Eligibility{Eligible: true, Reason: r} }
func deny(r Reason) Eligibility  { return Eligibility{Eligible: false, Reason: r} }
