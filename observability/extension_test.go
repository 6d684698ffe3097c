package observability_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/observability"
	"github.com/xraph/treasury/reserve"
	"github.com/xraph/treasury/store/memory"
	"github.com/xraph/treasury/vault"
)

// values gathers reg into name -> value for counters and gauges, and
// name -> sample count for histograms.
func values(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			out[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			out[mf.GetName()] = m.GetGauge().GetValue()
		case m.GetHistogram() != nil:
			out[mf.GetName()] = float64(m.GetHistogram().GetSampleCount())
		}
	}
	return out
}

func TestMetricsThroughEngine(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	ext := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	tr, err := treasury.New(memory.New(), treasury.WithPlugin(ext))
	if err != nil {
		t.Fatal(err)
	}

	wallet := vault.UserWallet("u1")
	creator := vault.CreatorVault("c1")
	if _, err := tr.Purchase(ctx, "buy-1", wallet, 150); err != nil {
		t.Fatal(err)
	}
	for _, rid := range []string{"a1", "a2"} {
		if _, err := tr.Allocate(ctx, allocation.Request{
			RequestID: rid, SpenderVaultID: wallet, CreatorVaultID: creator, GrossAmount: 100,
		}); err != nil {
			t.Fatal(err)
		}
	}

	got := values(t, reg)
	tests := []struct {
		name string
		want float64
	}{
		{"treasury_tokens_purchased_total", 150},
		{"treasury_allocation_succeeded_total", 1},
		{"treasury_allocation_rejected_total", 1},
		{"treasury_platform_revenue_total", 35},
		{"treasury_allocation_gross", 1},
	}
	for _, tt := range tests {
		if got[tt.name] != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got[tt.name], tt.want)
		}
	}
	if got["treasury_entries_committed_total"] == 0 {
		t.Error("no committed entries counted")
	}
}

func TestReserveGauges(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	ext := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	_ = ext.OnReserveRebalanced(ctx, &reserve.Move{HotAfter: 500, ColdAfter: 1500})
	_ = ext.OnReserveAlert(ctx, &reserve.Alert{Hot: 40, Cold: 0, Needed: 460})

	got := values(t, reg)
	if got["treasury_reserve_hot"] != 40 || got["treasury_reserve_cold"] != 0 {
		t.Errorf("gauges = hot %v cold %v", got["treasury_reserve_hot"], got["treasury_reserve_cold"])
	}
	if got["treasury_reserve_moves_total"] != 1 || got["treasury_reserve_alerts_total"] != 1 {
		t.Errorf("counters = %v", got)
	}
}

func TestFactoryReusesCollectors(t *testing.T) {
	f := observability.NewPrometheusFactory(prometheus.NewRegistry())
	a := f.Counter("treasury.x")
	b := f.Counter("treasury.x")
	a.Inc()
	b.Add(2)
	if a != b {
		t.Fatal("expected the same counter for the same name")
	}
}
