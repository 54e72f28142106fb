package transfer

import (
	"context"
	"errors"
	"fmt"

	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"go.uber.org/zap"
)

// SettlePendingCredits completes every transfer that was waiting for the
// wallet's email to register. Each credit is claimed atomically, so two
// concurrent signups cannot settle the same credit.
func (o *Orchestrator) SettlePendingCredits(ctx context.Context, walletId string) ([]*Result, error) {
	wallet, err := o.store.GetWalletById(ctx, walletId)
	if err != nil {
		return nil, err
	}
	vault, err := o.store.GetVaultByWallet(ctx, wallet.Id)
	if err != nil {
		return nil, err
	}

	credits, err := o.store.GetPendingCreditsByEmail(ctx, wallet.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending credits: %w", err)
	}
	if len(credits) == 0 {
		return nil, nil
	}

	zap.L().Info("Settling pending credits",
		zap.String("wallet_id", wallet.Id),
		zap.Int("count", len(credits)))

	var (
		results []*Result
		errs    []error
	)
	for _, credit := range credits {
		res, err := o.settleCredit(ctx, credit, wallet, vault)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("credit %s: %w", credit.Id, err))
		}
	}
	return results, errors.Join(errs...)
}

func (o *Orchestrator) settleCredit(ctx context.Context, credit models.PendingCredit, wallet *models.Wallet, vault *models.Vault) (*Result, error) {
	err := o.store.ClaimPendingCredit(ctx, credit.Id, wallet.Id)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		zap.L().Debug("Pending credit claimed elsewhere", zap.String("credit_id", credit.Id))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tx, err := o.prepareCredit(ctx, credit, vault)
	if err != nil {
		if relErr := o.store.ReleasePendingCredit(ctx, credit.Id); relErr != nil {
			zap.L().Error("Failed to release pending credit", zap.String("credit_id", credit.Id), zap.Error(relErr))
		}
		return nil, err
	}
	if tx == nil {
		return nil, o.store.DeletePendingCredit(ctx, credit.Id)
	}

	// Once the relay has been attempted the credit is spent whatever the
	// outcome; failures continue through compensation.
	res, err := o.relay(ctx, tx, vault, models.SagaDebited)
	if delErr := o.store.DeletePendingCredit(ctx, credit.Id); delErr != nil {
		zap.L().Error("Failed to delete settled pending credit", zap.String("credit_id", credit.Id), zap.Error(delErr))
	}
	return res, err
}

// prepareCredit reprices the held transaction with the current fee policy and
// binds it to the new vault. A nil transaction means there is nothing left to
// settle.
func (o *Orchestrator) prepareCredit(ctx context.Context, credit models.PendingCredit, vault *models.Vault) (*models.Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, credit.TransactionId)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusPending || tx.SagaState != models.SagaDebited {
		zap.L().Warn("Pending credit points at a transaction that is no longer waiting",
			zap.String("credit_id", credit.Id),
			zap.String("transaction_id", tx.Id),
			zap.String("status", string(tx.Status)),
			zap.String("saga", string(tx.SagaState)))
		return nil, nil
	}

	currency, err := o.store.GetCurrency(ctx, tx.Currency)
	if err != nil {
		return nil, err
	}
	category, err := fees.CategoryFor(fees.KindTransfer, credit.Level, models.LevelWallet)
	if err != nil {
		return nil, err
	}
	quote, err := o.quote(category, tx.Amount, currency)
	if err != nil {
		return nil, err
	}

	if err := o.store.UpdateTransactionFee(ctx, tx.Id, quote.Fee, quote.Rate); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTransactionReceiver(ctx, tx.Id, vault.Id, vault.Address, vault.Tag); err != nil {
		return nil, err
	}

	zap.L().Info("Repriced pending credit",
		zap.String("transaction_id", tx.Id),
		zap.String("quote", quote.String()))

	return o.store.GetTransaction(ctx, tx.Id)
}
