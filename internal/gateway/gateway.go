// Package gateway is the boundary to card and mobile-money payment providers.
package gateway

import (
	"context"

	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

type ChargeRequest struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	CustomerName  string
	CustomerEmail string
	Description   string
}

type ChargeResult struct {
	Success     bool
	Token       string
	RedirectURL string
}

// PaymentStatus is the provider's authoritative view of a payment. Status is
// already mapped onto the trade lifecycle.
type PaymentStatus struct {
	Reference     string
	TransactionId string
	Status        models.TradeStatus
	RawStatus     string
	Amount        decimal.Decimal
	Currency      string
}

type PayoutRequest struct {
	Reference          string
	BeneficiaryName    string
	BeneficiaryAccount string
	BeneficiaryBank    string
	BeneficiaryEmail   string
	Amount             decimal.Decimal
	Notes              string
}

type PayoutResult struct {
	Success     bool
	ReferenceNo string
	Status      string
	Notes       string
}

type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	VerifyStatus(ctx context.Context, reference string) (*PaymentStatus, error)
	TransferToRecipient(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	// PayoutStatus looks up a payout by the provider's reference.
	PayoutStatus(ctx context.Context, referenceNo string) (*PayoutResult, error)
}

// MapStatus folds a provider transaction and fraud status into a trade status.
func MapStatus(transactionStatus, fraudStatus string) models.TradeStatus {
	switch transactionStatus {
	case "capture":
		switch fraudStatus {
		case "accept", "":
			return models.TradeSuccess
		case "challenge":
			return models.TradePending
		default:
			return models.TradeFailed
		}
	case "settlement":
		return models.TradeSuccess
	case "deny", "cancel", "expire", "failure":
		return models.TradeFailed
	default:
		return models.TradePending
	}
}

// MapPayoutStatus folds a provider payout status into a trade status.
func MapPayoutStatus(status string) models.TradeStatus {
	switch status {
	case "completed":
		return models.TradeSuccess
	case "failed", "rejected":
		return models.TradeFailed
	default:
		return models.TradePending
	}
}
