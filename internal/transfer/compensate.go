package transfer

import (
	"context"
	"errors"
	"fmt"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compensate fails a transaction whose ledger leg did not land and refunds
// whatever was taken from the sender. The refund is its own REFUND
// transaction and the sender is re-credited only once the refund lands. It is
// safe to call repeatedly; a parent never has two refunds in flight.
func (o *Orchestrator) Compensate(ctx context.Context, transactionId, message string) error {
	tx, err := o.store.GetTransaction(ctx, transactionId)
	if err != nil {
		return err
	}

	switch tx.SagaState {
	case models.SagaCompensated:
		return nil
	case models.SagaSettled:
		// A settled sale is still refundable when its payout fails.
		if tx.Type != models.TypeSell {
			return fmt.Errorf("transaction %s already settled", tx.Id)
		}
	}

	if tx.SagaState != models.SagaCompensating {
		if err := o.store.AdvanceSaga(ctx, tx.Id, tx.SagaState, models.SagaCompensating); err != nil {
			return fmt.Errorf("failed to start compensation of %s: %w", tx.Id, err)
		}
		tx.SagaState = models.SagaCompensating
	}

	err = o.store.FinalizeTransaction(ctx, store.FinalizeParams{
		TransactionId: tx.Id,
		Status:        models.StatusFailed,
		Message:       message,
	})
	if err != nil && !errors.Is(err, store.ErrTransactionFinalized) {
		return fmt.Errorf("failed to mark %s failed: %w", tx.Id, err)
	}

	if !needsRefund(tx) {
		if tx.Type == models.TypeBuy {
			if err := o.store.ReleaseSupply(ctx, tx.Currency, tx.Amount); err != nil {
				zap.L().Error("Failed to release reserved supply", zap.String("transaction_id", tx.Id), zap.Error(err))
			}
		}
		return o.store.AdvanceSaga(ctx, tx.Id, models.SagaCompensating, models.SagaCompensated)
	}

	busy, err := o.refundInFlight(ctx, tx)
	if err != nil || busy {
		return err
	}

	return o.refund(ctx, tx)
}

// needsRefund reports whether tx took value the sender has to get back.
func needsRefund(tx *models.Transaction) bool {
	switch tx.Type {
	case models.TypeRefund, models.TypeFee, models.TypeBuy:
		return false
	case models.TypeSell:
		if tx.Status == models.StatusSuccess {
			return true
		}
	}
	if tx.Level == models.LevelWallet {
		return true
	}
	// Account level value only leaves the sender once it sits in escrow.
	return tx.ExternalRef != ""
}

// refundInFlight closes the compensation when an earlier refund already
// settled and reports whether one is still pending.
func (o *Orchestrator) refundInFlight(ctx context.Context, tx *models.Transaction) (bool, error) {
	refunds, err := o.store.ListRefunds(ctx, tx.Id)
	if err != nil {
		return false, err
	}

	for _, r := range refunds {
		switch r.Status {
		case models.StatusSuccess:
			err := o.store.AdvanceSaga(ctx, tx.Id, models.SagaCompensating, models.SagaCompensated)
			if err != nil && !errors.Is(err, store.ErrSagaStateMismatch) {
				return true, err
			}
			return true, nil
		case models.StatusPending:
			zap.L().Info("Refund still in flight", zap.String("transaction_id", tx.Id), zap.String("refund_id", r.Id))
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) refund(ctx context.Context, tx *models.Transaction) error {
	grand, grandAccount, err := o.grandAccount(ctx)
	if err != nil {
		return err
	}

	params := store.CreateTransactionParams{
		Type:          models.TypeRefund,
		Reason:        "refund of " + tx.Id,
		Currency:      tx.Currency,
		Amount:        tx.Amount,
		Fee:           decimal.Zero,
		Rate:          decimal.Zero,
		Category:      tx.Category,
		Level:         tx.Level,
		SenderId:      grand.Id,
		SenderAddress: grand.Address,
		ParentId:      tx.Id,
	}

	owner := models.RefOwnerAccount
	dest := tx.SenderAddress
	if tx.Level == models.LevelWallet {
		sender, err := o.store.GetVaultById(ctx, tx.SenderId)
		if err != nil {
			return fmt.Errorf("failed to load refunded vault: %w", err)
		}
		owner = models.RefOwnerVault
		dest = grandAccount.Address
		params.RecipientTag = sender.Tag
	}
	params.ReceiverId = tx.SenderId
	params.ReceiverAddress = tx.SenderAddress

	refund, err := o.store.CreateTransaction(ctx, params)
	if errors.Is(err, store.ErrRefundInFlight) {
		zap.L().Info("Refund already issued elsewhere", zap.String("transaction_id", tx.Id))
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.store.AppendTransactionRef(ctx, owner, tx.SenderId, refund.Id); err != nil {
		zap.L().Warn("Failed to append refund reference", zap.String("refund_id", refund.Id), zap.Error(err))
	}

	zap.L().Info("Issuing refund",
		zap.String("transaction_id", tx.Id),
		zap.String("refund_id", refund.Id),
		zap.String("amount", refund.Amount.String()))

	secret, err := o.accountSecret(ctx, grand.AccountId)
	if err != nil {
		if _, failErr := o.fail(ctx, refund, err.Error()); failErr != nil {
			zap.L().Debug("Refund could not be submitted", zap.String("refund_id", refund.Id))
		}
		return err
	}

	_, err = o.submit(ctx, refund, models.SagaNone, leg{
		secret:    secret,
		dest:      dest,
		tag:       params.RecipientTag,
		amount:    refund.Amount,
		reference: refund.Id,
		grand:     true,
	})
	return err
}
