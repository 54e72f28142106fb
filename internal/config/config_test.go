package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.CASRetries != 5 {
		t.Errorf("Expected 5 CAS retries, got %d", cfg.Database.CASRetries)
	}
	if cfg.Network.CallTimeout != 30*time.Second {
		t.Errorf("Expected 30s call timeout, got %v", cfg.Network.CallTimeout)
	}
	if cfg.Reconciler.PendingGrace <= cfg.Network.TxTimeout {
		t.Errorf("Pending grace %v must exceed tx timeout %v", cfg.Reconciler.PendingGrace, cfg.Network.TxTimeout)
	}
}

func TestLoad_FeeOverrides(t *testing.T) {
	t.Setenv("WALLET_TO_WALLET_TRANSFER", "1.5")
	t.Setenv("WALLET_BUY_FEE", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rate := cfg.Ledger.FeeOverrides["WALLET_TO_WALLET_TRANSFER"]; !rate.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected 1.5, got %s", rate.String())
	}
	if rate := cfg.Ledger.FeeOverrides["WALLET_BUY"]; !rate.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected 2, got %s", rate.String())
	}
	if _, ok := cfg.Ledger.FeeOverrides["SWAP"]; ok {
		t.Error("Expected no override for SWAP")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"NETWORK_CALL_TIMEOUT", "soon"},
		{"ACCOUNT_SELL", "one percent"},
		{"RECONCILE_PENDING_GRACE", "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
