package allocation_test

import (
	"testing"

	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/vault"
)

func TestRequestValidate(t *testing.T) {
	valid := allocation.Request{
		RequestID:      "req-1",
		SpenderVaultID: vault.UserWallet("u"),
		CreatorVaultID: vault.CreatorVault("c"),
		GrossAmount:    100,
	}

	tests := []struct {
		name    string
		mutate  func(r *allocation.Request)
		wantErr bool
	}{
		{"valid", func(*allocation.Request) {}, false},
		{"missing request id", func(r *allocation.Request) { r.RequestID = "" }, true},
		{"zero amount", func(r *allocation.Request) { r.GrossAmount = 0 }, true},
		{"negative amount", func(r *allocation.Request) { r.GrossAmount = -5 }, true},
		{"spender is creator", func(r *allocation.Request) { r.SpenderVaultID = vault.CreatorVault("x") }, true},
		{"creator is platform", func(r *allocation.Request) { r.CreatorVaultID = vault.Platform }, true},
		{"spender malformed", func(r *allocation.Request) { r.SpenderVaultID = "wallet:" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResultSucceeded(t *testing.T) {
	if !(&allocation.Result{Status: allocation.StatusSucceeded}).Succeeded() {
		t.Error("succeeded status should report Succeeded")
	}
	if (&allocation.Result{Status: allocation.StatusInsufficientFunds}).Succeeded() {
		t.Error("insufficient funds should not report Succeeded")
	}
}
