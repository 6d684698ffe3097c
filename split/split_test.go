package split_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/treasury/split"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		str     string
	}{
		{"0.65", false, "65/35"},
		{"0.5", false, "50/50"},
		{"0.625", false, "62.5/37.5"},
		{"0", true, ""},
		{"1", true, ""},
		{"1.2", true, ""},
		{"-0.3", true, ""},
		{"abc", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := split.Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
		})
	}
}

func TestNewRejectsOutOfRange(t *testing.T) {
	_, err := split.New(decimal.NewFromInt(1))
	if !errors.Is(err, split.ErrInvalidShare) {
		t.Fatalf("expected ErrInvalidShare, got %v", err)
	}
}

func TestSplitExamples(t *testing.T) {
	p := split.MustParse("0.65")
	tests := []struct {
		gross    int64
		creator  int64
		platform int64
	}{
		{100, 65, 35},
		{1, 0, 1},
		{2, 1, 1},
		{3, 1, 2},
		{7, 4, 3},
		{999, 649, 350},
	}

	for _, tt := range tests {
		got := p.Split(tt.gross)
		if got.Creator != tt.creator || got.Platform != tt.platform {
			t.Errorf("Split(%d) = %+v, want creator=%d platform=%d", tt.gross, got, tt.creator, tt.platform)
		}
	}
}

func TestSplitExactness(t *testing.T) {
	shares := []string{"0.65", "0.7", "0.333", "0.99", "0.01"}
	for _, s := range shares {
		p := split.MustParse(s)
		share := p.CreatorShare()
		for gross := int64(1); gross <= 5000; gross++ {
			got := p.Split(gross)
			if got.Creator+got.Platform != gross {
				t.Fatalf("share %s gross %d: credits %d+%d do not sum to gross", s, gross, got.Creator, got.Platform)
			}
			want := decimal.NewFromInt(gross).Mul(share).Floor().IntPart()
			if got.Creator != want {
				t.Fatalf("share %s gross %d: creator %d, want floor %d", s, gross, got.Creator, want)
			}
			if got.Creator < 0 || got.Platform < 0 {
				t.Fatalf("share %s gross %d: negative credit %+v", s, gross, got)
			}
		}
	}
}

func TestZeroPolicy(t *testing.T) {
	var p split.Policy
	if !p.IsZero() {
		t.Error("zero-value policy should report IsZero")
	}
	if split.MustParse("0.65").IsZero() {
		t.Error("parsed policy should not report IsZero")
	}
}
