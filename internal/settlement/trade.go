package settlement

import (
	"context"
	"fmt"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	buyPrefix  = "BUY-"
	sellPrefix = "SELL-"
)

// BuyRequest asks to purchase Amount of Currency paid in PayCurrency at Rate
// units of PayCurrency per unit. ReceiverAccountId is required at account level.
type BuyRequest struct {
	Level             models.Level
	WalletId          string
	ReceiverAccountId string
	Currency          string
	Amount            decimal.Decimal
	PayCurrency       string
	Rate              decimal.Decimal
	Reason            string
}

type BuyResult struct {
	TradeId     string
	Reference   string
	RedirectURL string
	Token       string
	Quote       fees.Quote
	PayAmount   decimal.Decimal
}

// InitiateBuy prices a purchase, opens a gateway charge and records the
// PENDING trade. Nothing moves until the payment notification is verified.
func (r *Reconciler) InitiateBuy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	if !req.Amount.IsPositive() {
		return nil, failure.New(failure.Validation, "amount must be positive")
	}
	if req.PayCurrency == "" {
		return nil, failure.New(failure.Validation, "pay currency is required")
	}
	if req.Rate.IsZero() {
		req.Rate = decimal.NewFromInt(1)
	}
	if req.Rate.IsNegative() {
		return nil, failure.New(failure.Validation, "rate must be positive")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PayCurrency = strings.ToUpper(strings.TrimSpace(req.PayCurrency))

	wallet, err := r.activeWallet(ctx, req.WalletId)
	if err != nil {
		return nil, err
	}
	currency, err := r.store.GetCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	kind := fees.KindBuy
	if currency.Native {
		if req.Level != models.LevelAccount {
			return nil, failure.New(failure.Validation, "%s can only be bought at account level", currency.Symbol)
		}
		kind = fees.KindBuyNative
	}

	switch req.Level {
	case models.LevelWallet:
		req.ReceiverAccountId = ""
	case models.LevelAccount:
		if _, err := r.ownAccount(ctx, wallet, req.ReceiverAccountId); err != nil {
			return nil, err
		}
	default:
		return nil, failure.New(failure.Validation, "unknown trade level %q", req.Level)
	}

	quote, err := r.quote(kind, req.Level, req.Amount, currency)
	if err != nil {
		return nil, err
	}
	payAmount := req.Amount.Mul(req.Rate).Ceil()

	reference := buyPrefix + uuid.New().String()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	charge, err := r.gateway.Charge(callCtx, gateway.ChargeRequest{
		Reference:     reference,
		Amount:        payAmount,
		Currency:      req.PayCurrency,
		CustomerName:  wallet.Name,
		CustomerEmail: wallet.Email,
		Description:   fmt.Sprintf("%s %s", quote.AmountToTransact.String(), currency.Symbol),
	})
	cancel()
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to open charge")
	}
	if !charge.Success {
		return nil, failure.New(failure.ExternalServiceFailure, "gateway declined the charge")
	}

	trade, err := r.store.CreateTrade(ctx, store.CreateTradeParams{
		WalletId:             wallet.Id,
		ReceiverAccountId:    req.ReceiverAccountId,
		Level:                req.Level,
		TradeType:            models.TradeBuy,
		Gateway:              r.gateway.Name(),
		Reference:            reference,
		GatewayTransactionId: charge.Token,
		Currency:             currency.Symbol,
		Amount:               quote.AmountToTransact,
		Fee:                  quote.Fee,
		Rate:                 req.Rate,
		PayCurrency:          req.PayCurrency,
		PayAmount:            payAmount,
		Reason:               req.Reason,
		RedirectURL:          charge.RedirectURL,
	})
	if err != nil {
		return nil, err
	}

	return &BuyResult{
		TradeId:     trade.Id,
		Reference:   trade.Reference,
		RedirectURL: charge.RedirectURL,
		Token:       charge.Token,
		Quote:       quote,
		PayAmount:   payAmount,
	}, nil
}

// SellRequest sells Amount of Currency for a fiat payout to the beneficiary.
type SellRequest struct {
	Level              models.Level
	WalletId           string
	AccountId          string
	Currency           string
	Amount             decimal.Decimal
	PayCurrency        string
	Rate               decimal.Decimal
	BeneficiaryName    string
	BeneficiaryAccount string
	BeneficiaryBank    string
	BeneficiaryEmail   string
	Reason             string
}

// SellResult reports a sale. PayoutError is set when the payout call ended
// without an answer; the trade then stays pending until the payout's
// notification or the reconcile sweep settles it.
type SellResult struct {
	TradeId     string
	Reference   string
	Transaction *transfer.Result
	PayAmount   decimal.Decimal
	Payout      *gateway.PayoutResult
	PayoutError string
}

// Sell moves the sold value into the grand vault and then asks the gateway
// to pay the seller. Only a payout the gateway definitely refused refunds the
// seller.
func (r *Reconciler) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	if !req.Amount.IsPositive() {
		return nil, failure.New(failure.Validation, "amount must be positive")
	}
	if req.BeneficiaryAccount == "" || req.BeneficiaryBank == "" {
		return nil, failure.New(failure.Validation, "beneficiary account and bank are required")
	}
	if req.Rate.IsZero() {
		req.Rate = decimal.NewFromInt(1)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PayCurrency = strings.ToUpper(strings.TrimSpace(req.PayCurrency))

	currency, err := r.store.GetCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}
	quote, err := r.quote(fees.KindSell, req.Level, req.Amount, currency)
	if err != nil {
		return nil, err
	}

	res, err := r.orch.Sell(ctx, transfer.SellRequest{
		Level:     req.Level,
		WalletId:  req.WalletId,
		AccountId: req.AccountId,
		Currency:  currency.Symbol,
		Amount:    req.Amount,
		Quote:     quote,
		Reason:    req.Reason,
	})
	if err != nil {
		return &SellResult{Transaction: res}, err
	}

	payAmount := quote.AmountToTransact.Mul(req.Rate).Floor()
	reference := sellPrefix + uuid.New().String()
	trade, err := r.store.CreateTrade(ctx, store.CreateTradeParams{
		WalletId:    req.WalletId,
		Level:       req.Level,
		TradeType:   models.TradeSell,
		Gateway:     r.gateway.Name(),
		Reference:   reference,
		Currency:    currency.Symbol,
		Amount:      req.Amount,
		Fee:         quote.Fee,
		Rate:        req.Rate,
		PayCurrency: req.PayCurrency,
		PayAmount:   payAmount,
		Reason:      req.Reason,
	})
	if err != nil {
		return &SellResult{Transaction: res}, err
	}
	if err := r.store.AttachTradeTransaction(ctx, trade.Id, res.TransactionId); err != nil {
		return &SellResult{TradeId: trade.Id, Reference: reference, Transaction: res}, err
	}

	result := &SellResult{TradeId: trade.Id, Reference: reference, Transaction: res, PayAmount: payAmount}

	if res.Status != models.StatusSuccess {
		// The sale has not reached the grand vault yet; paying out now could
		// pay for value that later bounces.
		zap.L().Warn("Sale not settled, payout deferred",
			zap.String("trade_id", trade.Id),
			zap.String("transaction_id", res.TransactionId),
			zap.String("status", string(res.Status)))
		return result, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	payout, err := r.gateway.TransferToRecipient(callCtx, gateway.PayoutRequest{
		Reference:          reference,
		BeneficiaryName:    req.BeneficiaryName,
		BeneficiaryAccount: req.BeneficiaryAccount,
		BeneficiaryBank:    req.BeneficiaryBank,
		BeneficiaryEmail:   req.BeneficiaryEmail,
		Amount:             payAmount,
		Notes:              payoutNotes(reference, req.Amount, currency.Symbol),
	})
	cancel()
	result.Payout = payout

	if gateway.OutcomeUnknown(err) {
		result.PayoutError = err.Error()
		zap.L().Warn("Payout outcome unknown, leaving trade pending",
			zap.String("trade_id", trade.Id),
			zap.String("reference", reference),
			zap.Error(err))
		if recErr := r.store.RecordTradeError(ctx, trade.Id, result.PayoutError); recErr != nil {
			zap.L().Error("Failed to record payout error", zap.String("trade_id", trade.Id), zap.Error(recErr))
		}
		return result, nil
	}

	if err == nil && payout.Success {
		zap.L().Info("Payout accepted",
			zap.String("trade_id", trade.Id),
			zap.String("reference_no", payout.ReferenceNo),
			zap.String("status", payout.Status))
		if payout.ReferenceNo != "" {
			if err := r.store.SetTradeGatewayRef(ctx, trade.Id, payout.ReferenceNo); err != nil {
				zap.L().Error("Failed to record payout reference", zap.String("trade_id", trade.Id), zap.Error(err))
			}
		}
		if err := r.store.SetTradeStatus(ctx, trade.Id, models.TradeSuccess); err != nil {
			return result, err
		}
		return result, nil
	}

	message := "payout declined"
	if err != nil {
		message = fmt.Sprintf("payout failed: %v", err)
	}
	zap.L().Warn("Refunding sale", zap.String("trade_id", trade.Id), zap.String("message", message))

	if setErr := r.store.SetTradeStatus(ctx, trade.Id, models.TradeFailed); setErr != nil {
		zap.L().Error("Failed to fail sell trade", zap.String("trade_id", trade.Id), zap.Error(setErr))
	}
	if compErr := r.orch.Compensate(ctx, res.TransactionId, message); compErr != nil {
		zap.L().Error("Sale refund did not complete", zap.String("transaction_id", res.TransactionId), zap.Error(compErr))
	}
	return result, failure.New(failure.ExternalServiceFailure, "%s", message)
}

// payoutNotes carries the trade reference to the provider so a payout can be
// matched to its trade without the provider's own reference.
func payoutNotes(reference string, amount decimal.Decimal, symbol string) string {
	return fmt.Sprintf("%s sale of %s %s", reference, amount.String(), symbol)
}

// payoutNoteReference recovers the trade reference from payout notes.
func payoutNoteReference(notes string) string {
	reference, _, _ := strings.Cut(strings.TrimSpace(notes), " ")
	if !strings.HasPrefix(reference, sellPrefix) {
		return ""
	}
	return reference
}

func (r *Reconciler) quote(kind fees.Kind, level models.Level, amount decimal.Decimal, currency *models.SupportedCurrency) (fees.Quote, error) {
	category, err := fees.CategoryFor(kind, level, level)
	if err != nil {
		return fees.Quote{}, err
	}
	quote, err := r.fees.Compute(category, amount)
	if err != nil {
		return fees.Quote{}, err
	}
	return quote.RoundTo(int32(currency.Precision)), nil
}

func (r *Reconciler) activeWallet(ctx context.Context, walletId string) (*models.Wallet, error) {
	wallet, err := r.store.GetWalletById(ctx, walletId)
	if err != nil {
		return nil, err
	}
	if wallet.Banned {
		return nil, failure.New(failure.Banned, "wallet %s is banned", walletId)
	}
	return wallet, nil
}

func (r *Reconciler) ownAccount(ctx context.Context, wallet *models.Wallet, accountId string) (*models.Account, error) {
	if accountId == "" {
		return nil, failure.New(failure.Validation, "receiver account is required at account level")
	}
	account, err := r.store.GetAccountById(ctx, accountId)
	if err != nil {
		return nil, err
	}
	if account.WalletId != wallet.Id {
		return nil, store.ErrAccountNotFound
	}
	if account.Banned {
		return nil, failure.New(failure.Banned, "account %s is banned", account.Id)
	}
	return account, nil
}
