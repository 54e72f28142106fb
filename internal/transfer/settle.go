package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/lock"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	settleSuffix   = ":settle"
	journalTimeout = 30 * time.Second
)

// leg is one ledger payment made on behalf of a transaction.
type leg struct {
	secret    string
	dest      string
	tag       uint64
	amount    decimal.Decimal
	reference string
	grand     bool // secret belongs to the grand vault account
}

type onSuccess func(ctx context.Context, tx *models.Transaction, receipt *network.Receipt) error

// submit moves tx to EXTERNAL_PENDING, pays the leg and applies the outcome.
// The default success handler credits and settles tx.
func (o *Orchestrator) submit(ctx context.Context, tx *models.Transaction, from models.SagaState, l leg) (*Result, error) {
	return o.submitWith(ctx, tx, from, l, o.complete)
}

func (o *Orchestrator) submitWith(ctx context.Context, tx *models.Transaction, from models.SagaState, l leg, success onSuccess) (*Result, error) {
	if err := o.store.AdvanceSaga(ctx, tx.Id, from, models.SagaExternalPending); err != nil {
		return o.reload(ctx, tx.Id), fmt.Errorf("failed to mark transaction %s external pending: %w", tx.Id, err)
	}
	tx.SagaState = models.SagaExternalPending

	// The grand vault account's sequence number is shared, so only the
	// payment itself runs under the lock.
	unlock := lock.Unlock(func() {})
	if l.grand {
		var err error
		unlock, err = o.locker.Acquire(ctx, lock.GrandVault)
		if err != nil {
			return o.fail(ctx, tx, fmt.Sprintf("grand vault is busy: %v", err))
		}
	}

	receipt, err := o.pay(ctx, l.secret, l.dest, tx.Currency, l.amount, l.tag, l.reference)
	unlock()

	return o.applyOutcome(ctx, tx, receipt, err, success)
}

// applyOutcome maps a ledger answer onto the saga. An unknown outcome is
// recorded and left for the reconcile sweep.
func (o *Orchestrator) applyOutcome(ctx context.Context, tx *models.Transaction, receipt *network.Receipt, err error, success onSuccess) (*Result, error) {
	switch {
	case err != nil && network.OutcomeUnknown(err):
		zap.L().Warn("Ledger outcome unknown, leaving transaction pending",
			zap.String("transaction_id", tx.Id),
			zap.Error(err))
		if recErr := o.store.RecordExternalError(ctx, tx.Id, err.Error()); recErr != nil {
			zap.L().Error("Failed to record external error", zap.String("transaction_id", tx.Id), zap.Error(recErr))
		}
		return o.reload(ctx, tx.Id), nil

	case err != nil:
		return o.fail(ctx, tx, err.Error())

	case !receipt.Success:
		return o.fail(ctx, tx, fmt.Sprintf("ledger rejected payment: %s", receipt.Code))
	}

	if err := success(ctx, tx, receipt); err != nil {
		zap.L().Error("Failed to settle transaction after ledger success",
			zap.String("transaction_id", tx.Id),
			zap.String("hash", receipt.Hash),
			zap.Error(err))
		return o.reload(ctx, tx.Id), err
	}
	return o.reload(ctx, tx.Id), nil
}

// fail compensates tx and reports the ledger failure.
func (o *Orchestrator) fail(ctx context.Context, tx *models.Transaction, message string) (*Result, error) {
	zap.L().Warn("Ledger leg failed", zap.String("transaction_id", tx.Id), zap.String("message", message))

	if err := o.Compensate(ctx, tx.Id, message); err != nil {
		zap.L().Error("Compensation did not complete", zap.String("transaction_id", tx.Id), zap.Error(err))
	}
	return o.reload(ctx, tx.Id), failure.New(failure.ExternalServiceFailure, "%s", message)
}

// complete credits the receiving side of a settled leg and marks tx SUCCESS.
// Credits are journaled against tx so a repeated completion credits nothing.
func (o *Orchestrator) complete(ctx context.Context, tx *models.Transaction, receipt *network.Receipt) error {
	grand, err := o.store.GetGrandVault(ctx)
	if err != nil {
		return err
	}

	if tx.RecipientTag > 0 {
		receiver, err := o.store.GetVaultByTag(ctx, tx.RecipientTag)
		if err != nil {
			return fmt.Errorf("failed to load receiving vault: %w", err)
		}

		if receiver.IsGrandVault {
			if err := o.creditOnce(ctx, grand.Id, tx.Currency, tx.Amount, tx.Id); err != nil {
				return err
			}
		} else {
			if err := o.creditOnce(ctx, receiver.Id, tx.Currency, tx.AmountToTransact(), tx.Id); err != nil {
				return err
			}
			if feeStaysOnGrand(tx) && tx.Fee.IsPositive() {
				if err := o.creditOnce(ctx, grand.Id, tx.Currency, tx.Fee, tx.Id); err != nil {
					return err
				}
			}
		}

		if err := o.store.AppendTransactionRef(ctx, models.RefOwnerVault, receiver.Id, tx.Id); err != nil {
			zap.L().Warn("Failed to append receiver reference", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
	}

	err = o.store.FinalizeTransaction(ctx, store.FinalizeParams{
		TransactionId: tx.Id,
		Status:        models.StatusSuccess,
		Hash:          receipt.Hash,
		HashLink:      o.hashLink(receipt.Hash),
		SagaState:     models.SagaSettled,
	})
	if errors.Is(err, store.ErrTransactionFinalized) {
		zap.L().Debug("Transaction already finalized", zap.String("transaction_id", tx.Id))
		return nil
	}
	if err != nil {
		return err
	}

	settled, err := o.store.GetTransaction(ctx, tx.Id)
	if err != nil {
		return err
	}

	zap.L().Info("Transaction settled",
		zap.String("transaction_id", settled.Id),
		zap.String("type", string(settled.Type)),
		zap.String("amount", settled.Amount.String()),
		zap.String("fee", settled.Fee.String()),
		zap.String("hash", settled.Hash))

	o.afterSettled(ctx, settled)
	return nil
}

// feeStaysOnGrand reports whether the fee of tx remained on the grand vault
// account instead of being collected by a separate FEE transaction.
func feeStaysOnGrand(tx *models.Transaction) bool {
	return tx.Level == models.LevelWallet || tx.ExternalRef != ""
}

// creditOnce credits the vault unless tx already did. The journal check is a
// shortcut; the store's uniqueness guard decides concurrent attempts.
func (o *Orchestrator) creditOnce(ctx context.Context, vaultId, currency string, amount decimal.Decimal, transactionId string) error {
	done, err := o.journaled(ctx, transactionId, vaultId, true)
	if err != nil || done {
		return err
	}
	_, err = o.store.CreditAsset(ctx, store.AssetMutation{VaultId: vaultId, Currency: currency, Amount: amount, TransactionId: transactionId})
	if errors.Is(err, store.ErrAlreadyApplied) {
		zap.L().Debug("Vault already credited", zap.String("vault_id", vaultId), zap.String("transaction_id", transactionId))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to credit vault %s: %w", vaultId, err)
	}
	return nil
}

func (o *Orchestrator) debitOnce(ctx context.Context, vaultId, currency string, amount decimal.Decimal, transactionId string) error {
	done, err := o.journaled(ctx, transactionId, vaultId, false)
	if err != nil || done {
		return err
	}
	_, err = o.store.DebitAsset(ctx, store.AssetMutation{VaultId: vaultId, Currency: currency, Amount: amount, TransactionId: transactionId})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to debit vault %s: %w", vaultId, err)
	}
	return nil
}

func (o *Orchestrator) journaled(ctx context.Context, transactionId, vaultId string, credit bool) (bool, error) {
	entries, err := o.store.GetJournal(ctx, transactionId)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.VaultId != vaultId {
			continue
		}
		if (credit && e.CreditAmount.IsPositive()) || (!credit && e.DebitAmount.IsPositive()) {
			return true, nil
		}
	}
	return false, nil
}

// afterSettled runs the follow-ups of a SUCCESS transition.
func (o *Orchestrator) afterSettled(ctx context.Context, tx *models.Transaction) {
	if tx.Type == models.TypeRefund {
		o.closeCompensation(ctx, tx)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		jctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := o.journal.Record(jctx, tx); err != nil {
			zap.L().Warn("Failed to mirror transaction", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
	}()

	o.sendReceipts(ctx, tx)
}

// closeCompensation marks the parent of a settled refund COMPENSATED. A
// refunded sale also gives back what the grand vault received.
func (o *Orchestrator) closeCompensation(ctx context.Context, refund *models.Transaction) {
	parent, err := o.store.GetTransaction(ctx, refund.ParentId)
	if err != nil {
		zap.L().Error("Failed to load refunded transaction", zap.String("refund_id", refund.Id), zap.Error(err))
		return
	}

	if parent.Type == models.TypeSell {
		grand, err := o.store.GetGrandVault(ctx)
		if err == nil {
			err = o.debitOnce(ctx, grand.Id, parent.Currency, parent.Amount, refund.Id)
		}
		if err != nil {
			zap.L().Error("Failed to reverse sale proceeds", zap.String("refund_id", refund.Id), zap.Error(err))
		}
	}

	err = o.store.AdvanceSaga(ctx, parent.Id, models.SagaCompensating, models.SagaCompensated)
	if err != nil && !errors.Is(err, store.ErrSagaStateMismatch) {
		zap.L().Error("Failed to close compensation", zap.String("transaction_id", parent.Id), zap.Error(err))
		return
	}
	zap.L().Info("Transaction compensated", zap.String("transaction_id", parent.Id), zap.String("refund_id", refund.Id))
}

// sendReceipts notifies both parties of a settled transaction.
func (o *Orchestrator) sendReceipts(ctx context.Context, tx *models.Transaction) {
	amount := fmt.Sprintf("%s %s", tx.AmountToTransact().String(), tx.Currency)

	switch tx.Type {
	case models.TypeFee:
		return
	case models.TypeRefund:
		if walletId := o.partyWallet(ctx, tx.ReceiverId); walletId != "" {
			o.notify(ctx, walletId, "Refund received", fmt.Sprintf("%s was returned to you.", amount))
		}
		return
	case models.TypeBuy:
		if walletId := o.partyWallet(ctx, tx.ReceiverId); walletId != "" {
			o.notify(ctx, walletId, "Purchase completed", fmt.Sprintf("You received %s.", amount))
		}
		return
	}

	if walletId := o.partyWallet(ctx, tx.SenderId); walletId != "" {
		o.notify(ctx, walletId, "Transfer sent", fmt.Sprintf("Your transfer of %s %s was completed.", tx.Amount.String(), tx.Currency))
	}
	if tx.Type == models.TypeSell {
		return
	}
	if walletId := o.partyWallet(ctx, tx.ReceiverId); walletId != "" {
		o.notify(ctx, walletId, "Transfer received", fmt.Sprintf("You received %s.", amount))
	}
}

func (o *Orchestrator) notify(ctx context.Context, walletId, title, message string) {
	if err := o.notifier.Notify(ctx, walletId, title, message); err != nil {
		zap.L().Warn("Failed to dispatch receipt", zap.String("wallet_id", walletId), zap.Error(err))
	}
}

// partyWallet maps a vault or account id to its wallet. The grand vault and
// unknown parties map to nothing.
func (o *Orchestrator) partyWallet(ctx context.Context, partyId string) string {
	if vault, err := o.store.GetVaultById(ctx, partyId); err == nil {
		if vault.IsGrandVault {
			return ""
		}
		return vault.WalletId
	}
	if account, err := o.store.GetAccountById(ctx, partyId); err == nil {
		return account.WalletId
	}
	return ""
}

// Wait blocks until background mirroring finishes.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
