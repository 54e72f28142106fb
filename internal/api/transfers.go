package api

import (
	"context"
	"errors"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/transfer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transfer moves value between parties. Rejections come back in the result
// with their reason; the error is reserved for callers that cannot proceed.
func (s *LedgerService) Transfer(ctx context.Context, req transfer.Request) (*models.TransferResult, error) {
	if req.SenderWalletId == "" || req.Recipient == "" || req.Currency == "" || req.Amount.LessThanOrEqual(decimal.Zero) {
		return &models.TransferResult{
			Success: false,
			Reason:  string(failure.Validation),
			Error:   "invalid transfer parameters",
		}, nil
	}

	zap.L().Info("Processing transfer",
		zap.String("level", string(req.Level)),
		zap.String("sender_wallet_id", req.SenderWalletId),
		zap.String("recipient", req.Recipient),
		zap.String("currency", req.Currency),
		zap.String("amount", req.Amount.String()),
		zap.String("request_id", models.RequestIdFrom(ctx)))

	res, err := s.orch.Transfer(ctx, req)
	result := transferResult(res, err)
	if err != nil {
		if result.Reason == string(failure.Internal) {
			zap.L().Error("Transfer failed", zap.String("sender_wallet_id", req.SenderWalletId), zap.Error(err))
		} else {
			zap.L().Info("Transfer rejected",
				zap.String("sender_wallet_id", req.SenderWalletId),
				zap.String("reason", result.Reason),
				zap.String("error", result.Error))
		}
	}
	return result, nil
}

func transferResult(res *transfer.Result, err error) *models.TransferResult {
	result := &models.TransferResult{Success: err == nil}
	if res != nil {
		result.TransactionId = res.TransactionId
		result.Status = string(res.Status)
		result.Amount = res.Amount
		result.Fee = res.Fee
		result.Pending = res.Pending
		result.HashLink = res.HashLink
	}
	if err != nil {
		result.Reason = string(failure.ReasonOf(err))
		result.Error = failure.Message(err)
	}
	return result
}

// HandleGatewayEvent applies a verified-on-arrival gateway notification. A
// replayed event is reported as a success with the DuplicateEvent reason so
// the caller can acknowledge it.
func (s *LedgerService) HandleGatewayEvent(ctx context.Context, ev settlement.Event) (*models.SettlementResult, error) {
	if s.reconciler == nil {
		return nil, failure.New(failure.ConfigurationError, "no payment gateway configured")
	}

	res, err := s.reconciler.HandleEvent(ctx, ev)
	return settlementResult(ev.Reference, res, err), nil
}

// HandlePayoutEvent applies a payout notification keyed by the provider's
// payout reference.
func (s *LedgerService) HandlePayoutEvent(ctx context.Context, referenceNo, status string) (*models.SettlementResult, error) {
	if s.reconciler == nil {
		return nil, failure.New(failure.ConfigurationError, "no payment gateway configured")
	}

	res, err := s.reconciler.HandlePayoutEvent(ctx, referenceNo, status)
	reference := referenceNo
	if res != nil {
		reference = res.Reference
	}
	return settlementResult(reference, res, err), nil
}

func settlementResult(reference string, res *settlement.Settlement, err error) *models.SettlementResult {
	result := &models.SettlementResult{Success: err == nil, Reference: reference}
	if res != nil {
		result.TradeStatus = string(res.Status)
		result.TransactionId = res.TransactionId
	}
	if err != nil {
		result.Reason = string(failure.ReasonOf(err))
		result.Error = failure.Message(err)
		if errors.Is(err, failure.ErrDuplicateEvent) {
			result.Success = true
		}
	}
	return result
}

func (s *LedgerService) Buy(ctx context.Context, req settlement.BuyRequest) (*settlement.BuyResult, error) {
	if s.reconciler == nil {
		return nil, failure.New(failure.ConfigurationError, "no payment gateway configured")
	}
	return s.reconciler.InitiateBuy(ctx, req)
}

func (s *LedgerService) Sell(ctx context.Context, req settlement.SellRequest) (*settlement.SellResult, error) {
	if s.reconciler == nil {
		return nil, failure.New(failure.ConfigurationError, "no payment gateway configured")
	}
	return s.reconciler.Sell(ctx, req)
}
