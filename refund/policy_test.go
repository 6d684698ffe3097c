package refund_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/treasury/id"
	"github.com/xraph/treasury/refund"
)

func TestPolicyEvaluate(t *testing.T) {
	p := refund.Policy{GraceWindow: 15 * time.Minute, DailyCap: 3}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	inside := at.Add(10 * time.Minute)
	outside := at.Add(time.Hour)

	tests := []struct {
		name  string
		facts refund.Facts
		want  refund.Eligibility
	}{
		{
			"within grace window",
			refund.Facts{Delivery: refund.DeliveryUnknown, OriginalAt: at, Now: inside},
			refund.Eligibility{Eligible: true, Reason: refund.ReasonWithinGraceWindow},
		},
		{
			"grace window boundary is inclusive",
			refund.Facts{OriginalAt: at, Now: at.Add(15 * time.Minute)},
			refund.Eligibility{Eligible: true, Reason: refund.ReasonWithinGraceWindow},
		},
		{
			"not delivered after window",
			refund.Facts{Delivery: refund.DeliveryNotDelivered, OriginalAt: at, Now: outside},
			refund.Eligibility{Eligible: true, Reason: refund.ReasonNotDelivered},
		},
		{
			"window expired",
			refund.Facts{Delivery: refund.DeliveryUnknown, OriginalAt: at, Now: outside},
			refund.Eligibility{Eligible: false, Reason: refund.ReasonGraceWindowExpired},
		},
		{
			"delivered inside window",
			refund.Facts{Delivery: refund.DeliveryConfirmed, OriginalAt: at, Now: inside},
			refund.Eligibility{Eligible: false, Reason: refund.ReasonAlreadyDelivered},
		},
		{
			"cap beats grace window",
			refund.Facts{AppliedInWindow: 3, OriginalAt: at, Now: inside},
			refund.Eligibility{Eligible: false, Reason: refund.ReasonDailyCapExceeded},
		},
		{
			"below cap",
			refund.Facts{AppliedInWindow: 2, OriginalAt: at, Now: inside},
			refund.Eligibility{Eligible: true, Reason: refund.ReasonWithinGraceWindow},
		},
		{
			"already refunded first",
			refund.Facts{AlreadyRefunded: true, AppliedInWindow: 5, Delivery: refund.DeliveryConfirmed, OriginalAt: at, Now: inside},
			refund.Eligibility{Eligible: false, Reason: refund.ReasonAlreadyRefunded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Evaluate(tt.facts); got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPolicyZeroCapDisablesCap(t *testing.T) {
	p := refund.Policy{GraceWindow: time.Minute}
	now := time.Now()
	got := p.Evaluate(refund.Facts{AppliedInWindow: 100, OriginalAt: now, Now: now})
	if !got.Eligible {
		t.Errorf("expected eligible with cap disabled, got %+v", got)
	}
}

func TestUnknownDelivery(t *testing.T) {
	got, err := refund.UnknownDelivery.DeliveryStatus(context.Background(), "req", id.NewTransactionID())
	if err != nil || got != refund.DeliveryUnknown {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestStateTerminal(t *testing.T) {
	for s, want := range map[refund.State]bool{
		refund.StateRequested: false,
		refund.StateApproved:  false,
		refund.StateApplied:   true,
		refund.StateDenied:    true,
	} {
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v", s, !want)
		}
	}
}
