package store

import (
	"errors"
	"testing"

	"mox-ledger-go/internal/failure"
)

// Compile-time checks that the interface is importable and usable.
func TestLedgerStoreInterfaceExists(t *testing.T) {
	_ = ErrConcurrentModification
	_ = ErrTransactionFinalized
	_ = CreateWalletParams{}

	var _ LedgerStore
}

func TestSentinelsCarryTaxonomyReasons(t *testing.T) {
	tests := []struct {
		err    error
		reason failure.Reason
	}{
		{ErrWalletNotFound, failure.NotFound},
		{ErrVaultNotFound, failure.NotFound},
		{ErrCurrencyNotFound, failure.UnsupportedCurrency},
		{ErrInsufficientFunds, failure.InsufficientFunds},
		{ErrSupplyExceeded, failure.SupplyExceeded},
		{ErrDuplicateEvent, failure.DuplicateEvent},
	}
	for _, tt := range tests {
		if got := failure.ReasonOf(tt.err); got != tt.reason {
			t.Errorf("%v: reason = %s, want %s", tt.err, got, tt.reason)
		}
	}

	if errors.Is(ErrWalletNotFound, ErrVaultNotFound) {
		t.Errorf("distinct not-found sentinels must not match")
	}
}
