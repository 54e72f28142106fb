package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/store"

	"go.uber.org/zap"
)

// Outcome is what a recovery attempt did with a stuck transaction.
type Outcome int

const (
	OutcomeWaiting Outcome = iota
	OutcomeSettled
	OutcomeCompensated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeCompensated:
		return "compensated"
	default:
		return "waiting"
	}
}

// RecoverableStates are the saga states a recovery pass looks at.
var RecoverableStates = []models.SagaState{
	models.SagaDebited,
	models.SagaExternalPending,
	models.SagaCompensating,
}

// Recover drives a transaction stuck mid-saga to a terminal state. Ledger legs
// of unknown outcome are looked up by their memo; a leg still missing after
// grace is treated as never landed.
func (o *Orchestrator) Recover(ctx context.Context, tx *models.Transaction, grace time.Duration) (Outcome, error) {
	switch tx.SagaState {
	case models.SagaCompensating:
		return o.compensated(ctx, tx, tx.Message)

	case models.SagaDebited:
		credit, err := o.store.FindPendingCredit(ctx, tx.Id)
		if err != nil {
			return OutcomeWaiting, err
		}
		if credit != nil {
			return o.settleHeld(ctx, credit)
		}
		return o.compensated(ctx, tx, "interrupted before submission")

	case models.SagaExternalPending:
		return o.lookup(ctx, tx, grace)

	default:
		return OutcomeWaiting, fmt.Errorf("transaction %s is not recoverable in saga state %q", tx.Id, tx.SagaState)
	}
}

// settleHeld settles a held credit once its email has a wallet. This covers a
// signup that raced the hold and a settlement that was released after a
// failure.
func (o *Orchestrator) settleHeld(ctx context.Context, credit *models.PendingCredit) (Outcome, error) {
	if credit.ClaimedAt != nil {
		return OutcomeWaiting, nil
	}
	wallet, err := o.store.GetWalletByEmail(ctx, credit.Email)
	if errors.Is(err, store.ErrWalletNotFound) {
		return OutcomeWaiting, nil
	}
	if err != nil {
		return OutcomeWaiting, err
	}
	vault, err := o.store.GetVaultByWallet(ctx, wallet.Id)
	if err != nil {
		return OutcomeWaiting, err
	}

	zap.L().Info("Settling held credit for registered email",
		zap.String("credit_id", credit.Id),
		zap.String("transaction_id", credit.TransactionId),
		zap.String("wallet_id", wallet.Id))

	res, err := o.settleCredit(ctx, *credit, wallet, vault)
	if res == nil {
		return OutcomeWaiting, err
	}
	switch res.Status {
	case models.StatusSuccess:
		return OutcomeSettled, nil
	case models.StatusFailed:
		return OutcomeCompensated, nil
	}
	return OutcomeWaiting, err
}

func (o *Orchestrator) lookup(ctx context.Context, tx *models.Transaction, grace time.Duration) (Outcome, error) {
	source, err := o.legSource(ctx, tx)
	if err != nil {
		return OutcomeWaiting, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	receipt, err := o.ledger.Lookup(callCtx, source, legReference(tx))
	cancel()

	switch {
	case errors.Is(err, network.ErrNotFound):
		if time.Since(tx.UpdatedAt) < grace {
			return OutcomeWaiting, nil
		}
		return o.compensated(ctx, tx, "ledger payment never landed")

	case err != nil:
		return OutcomeWaiting, fmt.Errorf("lookup of %s failed: %w", tx.Id, err)

	case !receipt.Success:
		return o.compensated(ctx, tx, fmt.Sprintf("ledger rejected payment: %s", receipt.Code))
	}

	zap.L().Info("Recovered ledger outcome",
		zap.String("transaction_id", tx.Id),
		zap.String("hash", receipt.Hash))

	if o.awaitingEscrow(tx) {
		if err := o.escrowed(ctx, tx, receipt); err != nil {
			return OutcomeWaiting, err
		}
		return OutcomeWaiting, nil
	}
	if err := o.complete(ctx, tx, receipt); err != nil {
		return OutcomeWaiting, err
	}
	return OutcomeSettled, nil
}

func (o *Orchestrator) compensated(ctx context.Context, tx *models.Transaction, message string) (Outcome, error) {
	if message == "" {
		message = "compensation retried"
	}
	if err := o.Compensate(ctx, tx.Id, message); err != nil {
		return OutcomeWaiting, err
	}
	return OutcomeCompensated, nil
}

// awaitingEscrow reports whether tx is the escrow leg of an account level
// transfer to an unregistered email.
func (o *Orchestrator) awaitingEscrow(tx *models.Transaction) bool {
	return tx.Level == models.LevelAccount &&
		tx.Type == models.TypeTransfer &&
		tx.RecipientTag == 0 &&
		tx.ReceiverAddress == "" &&
		tx.ExternalRef == ""
}

// legSource is the account that signed the leg tx is waiting on.
func (o *Orchestrator) legSource(ctx context.Context, tx *models.Transaction) (string, error) {
	switch {
	case tx.Type == models.TypeBuy:
		return tx.SenderAddress, nil
	case tx.Type == models.TypeRefund, tx.Level == models.LevelWallet, tx.ExternalRef != "":
		_, grandAccount, err := o.grandAccount(ctx)
		if err != nil {
			return "", err
		}
		return grandAccount.Address, nil
	default:
		return tx.SenderAddress, nil
	}
}
