// Package network is the boundary to the external ledger network.
package network

import (
	"context"
	"crypto/sha256"
	"errors"

	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by Lookup when no transaction carries the reference.
	ErrNotFound = errors.New("transaction not found on ledger")

	// ErrNotSubmitted marks failures that happened before anything reached the
	// network, so the outcome is known to be "nothing happened".
	ErrNotSubmitted = errors.New("transaction not submitted")
)

// Receipt is the terminal answer of the ledger for one submission.
type Receipt struct {
	Hash    string
	Code    string
	Success bool
}

type AccountSnapshot struct {
	Address string
	Native  decimal.Decimal
	Assets  []models.AssetBalance
}

// Ledger is consumed by the orchestrator. Calls are synchronous and never
// retried here. A nil error with Success false is a definite failure; a
// non-nil error not wrapping ErrNotSubmitted leaves the outcome unknown.
type Ledger interface {
	TransferNative(ctx context.Context, secret string, amount decimal.Decimal, dest, reference string) (*Receipt, error)
	PayIssuedCurrency(ctx context.Context, secret, dest, currency string, amount decimal.Decimal, destTag uint64, reference string) (*Receipt, error)
	Lookup(ctx context.Context, source, reference string) (*Receipt, error)
	Snapshot(ctx context.Context, address string) (*AccountSnapshot, error)
	NewKeypair() (address, secret string, err error)
}

// MemoHash is the 32 byte memo that ties a ledger transaction to its reference.
func MemoHash(reference string) [32]byte {
	return sha256.Sum256([]byte(reference))
}

// OutcomeUnknown reports whether err leaves the submission's fate open.
func OutcomeUnknown(err error) bool {
	return err != nil && !errors.Is(err, ErrNotSubmitted)
}
