package transfer

import (
	"context"
	"errors"
	"fmt"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/store"

	"go.uber.org/zap"
)

// WalletTransfer moves value between two vaults. Both live on the grand vault
// account, so the ledger leg is a relay to the receiver's tagged address.
type WalletTransfer struct {
	o        *Orchestrator
	req      Request
	currency *models.SupportedCurrency

	sender    *models.Vault
	recipient *resolver.Recipient
}

func (t *WalletTransfer) validate(ctx context.Context) error {
	wallet, err := t.o.activeWallet(ctx, t.req.SenderWalletId)
	if err != nil {
		return err
	}

	sender, err := t.o.store.GetVaultByWallet(ctx, wallet.Id)
	if err != nil {
		return err
	}
	if sender.IsGrandVault {
		return failure.New(failure.Validation, "the grand vault cannot send wallet transfers")
	}

	recipient, err := t.o.resolver.Resolve(ctx, t.req.Recipient, models.LevelWallet)
	if err != nil {
		return err
	}

	if recipient.Kind == resolver.KindVault {
		if recipient.Vault.Id == sender.Id {
			return failure.New(failure.Validation, "cannot transfer to yourself")
		}
		if recipient.Vault.IsGrandVault {
			return failure.New(failure.Validation, "cannot transfer to the grand vault")
		}
		if _, err := t.o.activeWallet(ctx, recipient.Vault.WalletId); err != nil {
			return err
		}
	}

	asset, err := t.o.store.FindAsset(ctx, sender.Id, t.req.Currency)
	if err != nil {
		return err
	}
	if asset == nil || asset.Balance.LessThan(t.req.Amount) {
		return failure.New(failure.InsufficientFunds, "insufficient %s balance", t.req.Currency)
	}

	t.sender = sender
	t.recipient = recipient
	return nil
}

func (t *WalletTransfer) computeFee() (fees.Quote, error) {
	category := t.req.Category
	if category == "" {
		var err error
		category, err = fees.CategoryFor(fees.KindTransfer, models.LevelWallet, models.LevelWallet)
		if err != nil {
			return fees.Quote{}, err
		}
	}
	return t.o.fees.Compute(category, t.req.Amount)
}

func (t *WalletTransfer) route(ctx context.Context, quote fees.Quote) (*Result, error) {
	params := store.CreateTransactionParams{
		Type:          models.TypeTransfer,
		Reason:        t.req.Reason,
		Currency:      t.req.Currency,
		Amount:        t.req.Amount,
		Fee:           quote.Fee,
		Rate:          quote.Rate,
		Category:      string(quote.Category),
		Level:         models.LevelWallet,
		SenderId:      t.sender.Id,
		SenderAddress: t.sender.Address,
		ReceiverId:    t.recipient.Email,
		RecipientTag:  t.recipient.Tag,
	}
	if t.recipient.Vault != nil {
		params.ReceiverId = t.recipient.Vault.Id
		params.ReceiverAddress = t.recipient.Vault.Address
	}

	tx, err := t.o.store.CreateTransaction(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := t.o.store.AppendTransactionRef(ctx, models.RefOwnerVault, t.sender.Id, tx.Id); err != nil {
		zap.L().Warn("Failed to append sender reference", zap.String("transaction_id", tx.Id), zap.Error(err))
	}

	if err := t.o.debit(ctx, tx, t.sender.Id); err != nil {
		return t.o.reload(ctx, tx.Id), err
	}

	if t.recipient.Kind == resolver.KindUnregistered {
		return t.o.holdForSignup(ctx, tx)
	}
	return t.o.relay(ctx, tx, t.recipient.Vault, models.SagaDebited)
}

// debit takes tx's amount from a vault and moves the saga to DEBITED. A debit
// that loses a race is recorded as a FAILED transaction.
func (o *Orchestrator) debit(ctx context.Context, tx *models.Transaction, vaultId string) error {
	_, err := o.store.DebitAsset(ctx, store.AssetMutation{
		VaultId:       vaultId,
		Currency:      tx.Currency,
		Amount:        tx.Amount,
		TransactionId: tx.Id,
	})
	if err != nil {
		finErr := o.store.FinalizeTransaction(ctx, store.FinalizeParams{
			TransactionId: tx.Id,
			Status:        models.StatusFailed,
			Message:       err.Error(),
		})
		if finErr != nil {
			zap.L().Error("Failed to record rejected debit", zap.String("transaction_id", tx.Id), zap.Error(finErr))
		}
		return err
	}

	if err := o.store.AdvanceSaga(ctx, tx.Id, models.SagaNone, models.SagaDebited); err != nil {
		return fmt.Errorf("failed to mark transaction %s debited: %w", tx.Id, err)
	}
	tx.SagaState = models.SagaDebited
	return nil
}

// relay pays tx's net amount from the grand vault account to receiver's tag.
func (o *Orchestrator) relay(ctx context.Context, tx *models.Transaction, receiver *models.Vault, from models.SagaState) (*Result, error) {
	_, grandAccount, err := o.grandAccount(ctx)
	if err != nil {
		return o.reload(ctx, tx.Id), err
	}
	secret, err := o.accountSecret(ctx, grandAccount.Id)
	if err != nil {
		return o.reload(ctx, tx.Id), err
	}

	return o.submit(ctx, tx, from, leg{
		secret:    secret,
		dest:      grandAccount.Address,
		tag:       receiver.Tag,
		amount:    tx.AmountToTransact(),
		reference: legReference(tx),
		grand:     true,
	})
}

// holdForSignup parks a debited transaction until its recipient email
// registers a wallet.
func (o *Orchestrator) holdForSignup(ctx context.Context, tx *models.Transaction) (*Result, error) {
	params := store.CreatePendingCreditParams{
		Email:         tx.ReceiverId,
		TransactionId: tx.Id,
		Level:         tx.Level,
		Currency:      tx.Currency,
		Amount:        tx.Amount,
	}
	if tx.Level == models.LevelWallet {
		params.SenderVaultId = tx.SenderId
	} else {
		params.SenderAccountId = tx.SenderId
	}

	if _, err := o.store.CreatePendingCredit(ctx, params); err != nil && !errors.Is(err, failure.ErrDuplicateEvent) {
		return o.fail(ctx, tx, fmt.Sprintf("failed to hold credit for %s: %v", tx.ReceiverId, err))
	}

	zap.L().Info("Transfer held for unregistered recipient",
		zap.String("transaction_id", tx.Id),
		zap.String("email", tx.ReceiverId),
		zap.String("amount", tx.Amount.String()))

	if err := o.notifier.SendEmail(ctx, tx.ReceiverId, "pending-credit", map[string]string{
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"transaction_id": tx.Id,
	}); err != nil {
		zap.L().Warn("Failed to send signup invitation", zap.String("email", tx.ReceiverId), zap.Error(err))
	}

	return o.reload(ctx, tx.Id), nil
}

// legReference is the memo reference of the leg a transaction is currently
// waiting on. Escrowed transactions already used their id for the escrow leg.
func legReference(tx *models.Transaction) string {
	if tx.ExternalRef != "" {
		return tx.Id + settleSuffix
	}
	return tx.Id
}
