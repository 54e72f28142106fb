package transfer

import (
	"context"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Disburse delivers a paid trade from the operator funding account. The fee
// was taken when the trade was priced, so trade.Amount moves as is.
func (o *Orchestrator) Disburse(ctx context.Context, trade *models.Trade) (*Result, error) {
	if o.cfg.OperatorAccountId == "" {
		return nil, failure.New(failure.ConfigurationError, "operator funding account is not configured")
	}
	operator, err := o.store.GetAccountById(ctx, o.cfg.OperatorAccountId)
	if err != nil {
		return nil, failure.Wrap(failure.ConfigurationError, err, "operator funding account not found")
	}

	params := store.CreateTransactionParams{
		Type:          models.TypeBuy,
		Reason:        trade.Reason,
		Currency:      trade.Currency,
		Amount:        trade.Amount,
		Fee:           decimal.Zero,
		Rate:          trade.Rate,
		Level:         trade.Level,
		SenderId:      operator.Id,
		SenderAddress: operator.Address,
		TradeId:       trade.Id,
	}

	var dest string
	switch trade.Level {
	case models.LevelWallet:
		vault, err := o.store.GetVaultByWallet(ctx, trade.WalletId)
		if err != nil {
			return nil, err
		}
		_, grandAccount, err := o.grandAccount(ctx)
		if err != nil {
			return nil, err
		}
		params.ReceiverId = vault.Id
		params.ReceiverAddress = vault.Address
		params.RecipientTag = vault.Tag
		dest = grandAccount.Address
	case models.LevelAccount:
		account, err := o.store.GetAccountById(ctx, trade.ReceiverAccountId)
		if err != nil {
			return nil, err
		}
		params.ReceiverId = account.Id
		params.ReceiverAddress = account.Address
		dest = account.Address
	default:
		return nil, failure.New(failure.Validation, "unknown trade level %q", trade.Level)
	}

	if err := o.store.ReserveSupply(ctx, trade.Currency, trade.Amount); err != nil {
		return nil, err
	}

	tx, err := o.store.CreateTransaction(ctx, params)
	if err != nil {
		o.releaseSupply(ctx, trade.Currency, trade.Amount)
		return nil, err
	}

	if err := o.store.AttachTradeTransaction(ctx, trade.Id, tx.Id); err != nil {
		// Another delivery of the same trade won the race.
		if finErr := o.store.FinalizeTransaction(ctx, store.FinalizeParams{
			TransactionId: tx.Id,
			Status:        models.StatusFailed,
			Message:       "trade already disbursed",
		}); finErr != nil {
			zap.L().Error("Failed to discard duplicate disbursement", zap.String("transaction_id", tx.Id), zap.Error(finErr))
		}
		o.releaseSupply(ctx, trade.Currency, trade.Amount)
		return nil, err
	}
	if err := o.store.AppendTransactionRef(ctx, models.RefOwnerTrade, trade.Id, tx.Id); err != nil {
		zap.L().Warn("Failed to append trade reference", zap.String("trade_id", trade.Id), zap.Error(err))
	}
	owner := models.RefOwnerAccount
	if trade.Level == models.LevelWallet {
		owner = models.RefOwnerVault
	}
	if err := o.store.AppendTransactionRef(ctx, owner, params.ReceiverId, tx.Id); err != nil {
		zap.L().Warn("Failed to append receiver reference", zap.String("transaction_id", tx.Id), zap.Error(err))
	}

	secret, err := o.accountSecret(ctx, operator.Id)
	if err != nil {
		_, _ = o.fail(ctx, tx, err.Error())
		return o.reload(ctx, tx.Id), err
	}

	zap.L().Info("Disbursing trade",
		zap.String("trade_id", trade.Id),
		zap.String("reference", trade.Reference),
		zap.String("transaction_id", tx.Id),
		zap.String("amount", trade.Amount.String()))

	return o.submit(ctx, tx, models.SagaNone, leg{
		secret:    secret,
		dest:      dest,
		tag:       params.RecipientTag,
		amount:    tx.Amount,
		reference: tx.Id,
	})
}

func (o *Orchestrator) releaseSupply(ctx context.Context, currency string, amount decimal.Decimal) {
	if err := o.store.ReleaseSupply(ctx, currency, amount); err != nil {
		zap.L().Error("Failed to release reserved supply", zap.String("currency", currency), zap.Error(err))
	}
}

// SellRequest moves value from a wallet's vault or account into the grand
// vault ahead of a fiat payout. The quote is computed by the caller.
type SellRequest struct {
	Level     models.Level
	WalletId  string
	AccountId string
	Currency  string
	Amount    decimal.Decimal
	Quote     fees.Quote
	Reason    string
}

// Sell records and settles the SELL leg of a sale. A payout that fails later
// is refunded with Compensate.
func (o *Orchestrator) Sell(ctx context.Context, req SellRequest) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, failure.New(failure.Validation, "amount must be positive")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if _, err := o.store.GetCurrency(ctx, req.Currency); err != nil {
		return nil, err
	}

	wallet, err := o.activeWallet(ctx, req.WalletId)
	if err != nil {
		return nil, err
	}
	grand, grandAccount, err := o.grandAccount(ctx)
	if err != nil {
		return nil, err
	}

	params := store.CreateTransactionParams{
		Type:            models.TypeSell,
		Reason:          req.Reason,
		Currency:        req.Currency,
		Amount:          req.Amount,
		Fee:             req.Quote.Fee,
		Rate:            req.Quote.Rate,
		Category:        string(req.Quote.Category),
		Level:           req.Level,
		ReceiverId:      grand.Id,
		ReceiverAddress: grand.Address,
		RecipientTag:    grand.Tag,
	}

	switch req.Level {
	case models.LevelWallet:
		vault, err := o.store.GetVaultByWallet(ctx, wallet.Id)
		if err != nil {
			return nil, err
		}
		asset, err := o.store.FindAsset(ctx, vault.Id, req.Currency)
		if err != nil {
			return nil, err
		}
		if asset == nil || asset.Balance.LessThan(req.Amount) {
			return nil, failure.New(failure.InsufficientFunds, "insufficient %s balance", req.Currency)
		}

		params.SenderId = vault.Id
		params.SenderAddress = vault.Address
		tx, err := o.store.CreateTransaction(ctx, params)
		if err != nil {
			return nil, err
		}
		if err := o.store.AppendTransactionRef(ctx, models.RefOwnerVault, vault.Id, tx.Id); err != nil {
			zap.L().Warn("Failed to append seller reference", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
		if err := o.debit(ctx, tx, vault.Id); err != nil {
			return o.reload(ctx, tx.Id), err
		}
		return o.relay(ctx, tx, grand, models.SagaDebited)

	case models.LevelAccount:
		account, err := o.store.GetAccountById(ctx, req.AccountId)
		if err != nil {
			return nil, err
		}
		if account.WalletId != wallet.Id {
			return nil, store.ErrAccountNotFound
		}
		if account.Banned {
			return nil, failure.New(failure.Banned, "account %s is banned", account.Id)
		}
		snapshot, err := o.RefreshAccount(ctx, account)
		if err != nil {
			return nil, err
		}
		if o.balanceOf(snapshot, req.Currency).LessThan(req.Amount) {
			return nil, failure.New(failure.InsufficientFunds, "insufficient %s balance on account", req.Currency)
		}

		params.SenderId = account.Id
		params.SenderAddress = account.Address
		tx, err := o.store.CreateTransaction(ctx, params)
		if err != nil {
			return nil, err
		}
		if err := o.store.AppendTransactionRef(ctx, models.RefOwnerAccount, account.Id, tx.Id); err != nil {
			zap.L().Warn("Failed to append seller reference", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
		secret, err := o.accountSecret(ctx, account.Id)
		if err != nil {
			_, _ = o.fail(ctx, tx, err.Error())
			return o.reload(ctx, tx.Id), err
		}
		return o.submit(ctx, tx, models.SagaNone, leg{
			secret:    secret,
			dest:      grandAccount.Address,
			tag:       grand.Tag,
			amount:    tx.Amount,
			reference: tx.Id,
		})

	default:
		return nil, failure.New(failure.Validation, "unknown sell level %q", req.Level)
	}
}
