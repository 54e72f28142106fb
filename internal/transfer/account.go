package transfer

import (
	"context"
	"fmt"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccountTransfer moves value out of an on-ledger account. The sender signs
// the ledger payment itself, so nothing is debited internally.
type AccountTransfer struct {
	o        *Orchestrator
	req      Request
	currency *models.SupportedCurrency

	sender       *models.Account
	recipient    *resolver.Recipient
	grand        *models.Vault
	grandAccount *models.Account
}

func (t *AccountTransfer) validate(ctx context.Context) error {
	wallet, err := t.o.activeWallet(ctx, t.req.SenderWalletId)
	if err != nil {
		return err
	}

	sender, err := t.o.store.GetAccountById(ctx, t.req.SenderAccountId)
	if err != nil {
		return err
	}
	if sender.WalletId != wallet.Id {
		return store.ErrAccountNotFound
	}
	if sender.Banned {
		return failure.New(failure.Banned, "account %s is banned", sender.Id)
	}

	grand, grandAccount, err := t.o.grandAccount(ctx)
	if err != nil {
		return err
	}
	if sender.Id == grandAccount.Id {
		return failure.New(failure.Validation, "the grand vault account cannot send account transfers")
	}

	recipient, err := t.o.resolver.Resolve(ctx, t.req.Recipient, models.LevelAccount)
	if err != nil {
		return err
	}

	switch recipient.Kind {
	case resolver.KindVault:
		if recipient.Vault.IsGrandVault {
			return failure.New(failure.Validation, "cannot transfer to the grand vault")
		}
		if _, err := t.o.activeWallet(ctx, recipient.Vault.WalletId); err != nil {
			return err
		}
	case resolver.KindRawAccount:
		if recipient.Address == sender.Address {
			return failure.New(failure.Validation, "cannot transfer to yourself")
		}
		if recipient.Address == grandAccount.Address {
			return failure.New(failure.Validation, "cannot transfer to the grand vault")
		}
		if recipient.Account != nil {
			if recipient.Account.Banned {
				return failure.New(failure.Banned, "account %s is banned", recipient.Account.Id)
			}
			if _, err := t.o.activeWallet(ctx, recipient.Account.WalletId); err != nil {
				return err
			}
		}
	}

	snapshot, err := t.o.RefreshAccount(ctx, sender)
	if err != nil {
		return err
	}
	if available := t.o.balanceOf(snapshot, t.req.Currency); available.LessThan(t.req.Amount) {
		return failure.New(failure.InsufficientFunds, "insufficient %s balance on account", t.req.Currency)
	}

	t.sender = sender
	t.recipient = recipient
	t.grand = grand
	t.grandAccount = grandAccount
	return nil
}

func (t *AccountTransfer) computeFee() (fees.Quote, error) {
	category := t.req.Category
	if category == "" {
		to := models.LevelWallet
		if t.recipient.Kind == resolver.KindRawAccount {
			to = models.LevelAccount
		}
		var err error
		category, err = fees.CategoryFor(fees.KindTransfer, models.LevelAccount, to)
		if err != nil {
			return fees.Quote{}, err
		}
	}
	return t.o.fees.Compute(category, t.req.Amount)
}

func (t *AccountTransfer) route(ctx context.Context, quote fees.Quote) (*Result, error) {
	params := store.CreateTransactionParams{
		Type:          models.TypeTransfer,
		Reason:        t.req.Reason,
		Currency:      t.req.Currency,
		Amount:        t.req.Amount,
		Fee:           quote.Fee,
		Rate:          quote.Rate,
		Category:      string(quote.Category),
		Level:         models.LevelAccount,
		SenderId:      t.sender.Id,
		SenderAddress: t.sender.Address,
	}

	l := leg{amount: quote.AmountToTransact}
	switch t.recipient.Kind {
	case resolver.KindVault:
		params.ReceiverId = t.recipient.Vault.Id
		params.ReceiverAddress = t.recipient.Vault.Address
		params.RecipientTag = t.recipient.Tag
		l.dest = t.grandAccount.Address
		l.tag = t.recipient.Tag
	case resolver.KindRawAccount:
		params.ReceiverId = t.recipient.Address
		if t.recipient.Account != nil {
			params.ReceiverId = t.recipient.Account.Id
		}
		params.ReceiverAddress = t.recipient.Address
		l.dest = t.recipient.Address
	case resolver.KindUnregistered:
		// The whole amount waits in escrow; the fee is taken at settlement.
		params.ReceiverId = t.recipient.Email
		l.dest = t.grandAccount.Address
		l.amount = t.req.Amount
	}

	tx, err := t.o.store.CreateTransaction(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := t.o.store.AppendTransactionRef(ctx, models.RefOwnerAccount, t.sender.Id, tx.Id); err != nil {
		zap.L().Warn("Failed to append sender reference", zap.String("transaction_id", tx.Id), zap.Error(err))
	}
	if t.recipient.Account != nil {
		if err := t.o.store.AppendTransactionRef(ctx, models.RefOwnerAccount, t.recipient.Account.Id, tx.Id); err != nil {
			zap.L().Warn("Failed to append receiver reference", zap.String("transaction_id", tx.Id), zap.Error(err))
		}
	}

	secret, err := t.o.accountSecret(ctx, t.sender.Id)
	if err != nil {
		_, _ = t.o.fail(ctx, tx, err.Error())
		return t.o.reload(ctx, tx.Id), err
	}
	l.secret = secret
	l.reference = tx.Id

	if t.recipient.Kind == resolver.KindUnregistered {
		return t.o.submitWith(ctx, tx, models.SagaNone, l, t.o.escrowed)
	}

	res, err := t.o.submit(ctx, tx, models.SagaNone, l)
	if err == nil && res.Status == models.StatusSuccess && tx.Fee.IsPositive() {
		t.o.collectFee(ctx, tx, t.sender, secret)
	}
	return res, err
}

// escrowed records that an account level transfer to an unregistered email
// reached the grand vault account and parks it until signup.
func (o *Orchestrator) escrowed(ctx context.Context, tx *models.Transaction, receipt *network.Receipt) error {
	if err := o.store.SetExternalRef(ctx, tx.Id, receipt.Hash); err != nil {
		return err
	}
	if err := o.store.AdvanceSaga(ctx, tx.Id, models.SagaExternalPending, models.SagaDebited); err != nil {
		return fmt.Errorf("failed to mark escrowed transaction %s debited: %w", tx.Id, err)
	}
	tx.ExternalRef = receipt.Hash
	tx.SagaState = models.SagaDebited

	_, err := o.holdForSignup(ctx, tx)
	return err
}

// collectFee sends an account level transfer's fee to the grand vault as its
// own FEE transaction. Its outcome never affects the parent.
func (o *Orchestrator) collectFee(ctx context.Context, parent *models.Transaction, sender *models.Account, secret string) {
	grand, grandAccount, err := o.grandAccount(ctx)
	if err != nil {
		zap.L().Error("Cannot collect fee", zap.String("transaction_id", parent.Id), zap.Error(err))
		return
	}

	feeTx, err := o.store.CreateTransaction(ctx, store.CreateTransactionParams{
		Type:            models.TypeFee,
		Reason:          "fee for " + parent.Id,
		Currency:        parent.Currency,
		Amount:          parent.Fee,
		Fee:             decimal.Zero,
		Rate:            parent.Rate,
		Category:        parent.Category,
		Level:           models.LevelAccount,
		SenderId:        sender.Id,
		SenderAddress:   sender.Address,
		ReceiverId:      grand.Id,
		ReceiverAddress: grand.Address,
		RecipientTag:    grand.Tag,
		ParentId:        parent.Id,
	})
	if err != nil {
		zap.L().Error("Failed to record fee transaction", zap.String("transaction_id", parent.Id), zap.Error(err))
		return
	}
	if err := o.store.AppendTransactionRef(ctx, models.RefOwnerAccount, sender.Id, feeTx.Id); err != nil {
		zap.L().Warn("Failed to append fee reference", zap.String("fee_id", feeTx.Id), zap.Error(err))
	}

	_, err = o.submit(ctx, feeTx, models.SagaNone, leg{
		secret:    secret,
		dest:      grandAccount.Address,
		tag:       grand.Tag,
		amount:    feeTx.Amount,
		reference: feeTx.Id,
	})
	if err != nil {
		zap.L().Error("Fee collection failed", zap.String("transaction_id", parent.Id), zap.String("fee_id", feeTx.Id), zap.Error(err))
	}
}

// RefreshAccount pulls the account's balances from the ledger and caches them.
func (o *Orchestrator) RefreshAccount(ctx context.Context, account *models.Account) (*network.AccountSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	snapshot, err := o.ledger.Snapshot(callCtx, account.Address)
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to read balances of %s", account.Address)
	}
	if err := o.store.UpdateAccountSnapshot(ctx, account.Id, snapshot.Native, snapshot.Assets); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (o *Orchestrator) balanceOf(snapshot *network.AccountSnapshot, currency string) decimal.Decimal {
	if currency == o.cfg.NativeSymbol {
		return snapshot.Native
	}
	for _, a := range snapshot.Assets {
		if a.Currency == currency {
			return a.Balance
		}
	}
	return decimal.Zero
}
