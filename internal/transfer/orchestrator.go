/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transfer moves value between vaults and accounts. Every movement is
// an audited Transaction that progresses through a persisted saga so a crash
// between steps can be recovered.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/lock"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/notify"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Deps are the collaborators an Orchestrator needs. Notifier and Journal are
// optional.
type Deps struct {
	Store    store.LedgerStore
	Ledger   network.Ledger
	Resolver *resolver.Resolver
	Fees     *fees.Engine
	Sealer   *secrets.Sealer
	Locker   lock.Locker
	Notifier notify.Dispatcher
	Journal  Journal
}

type Config struct {
	NativeSymbol      string
	ExplorerURL       string
	CallTimeout       time.Duration
	OperatorAccountId string
}

type Orchestrator struct {
	store    store.LedgerStore
	ledger   network.Ledger
	resolver *resolver.Resolver
	fees     *fees.Engine
	sealer   *secrets.Sealer
	locker   lock.Locker
	notifier notify.Dispatcher
	journal  Journal
	cfg      Config
	wg       sync.WaitGroup
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Fees == nil || deps.Sealer == nil {
		return nil, fmt.Errorf("orchestrator requires a store, ledger, fee engine and sealer")
	}
	if deps.Resolver == nil {
		deps.Resolver = resolver.New(deps.Store)
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Journal == nil {
		deps.Journal = NopJournal{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Orchestrator{
		store:    deps.Store,
		ledger:   deps.Ledger,
		resolver: deps.Resolver,
		fees:     deps.Fees,
		sealer:   deps.Sealer,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		journal:  deps.Journal,
		cfg:      cfg,
	}, nil
}

// Request describes one transfer. SenderAccountId is required at account
// level. Category overrides the category derived from the levels.
type Request struct {
	Level           models.Level
	SenderWalletId  string
	SenderAccountId string
	Recipient       string
	Currency        string
	Amount          decimal.Decimal
	Reason          string
	Category        fees.Category
}

// Result reports where a recorded Transaction ended up.
type Result struct {
	TransactionId    string
	Status           models.TransactionStatus
	SagaState        models.SagaState
	Amount           decimal.Decimal
	Fee              decimal.Decimal
	AmountToTransact decimal.Decimal
	Pending          bool
	Hash             string
	HashLink         string
	ExternalError    string
}

// Transfer is one variant of value movement, selected once per request.
type Transfer interface {
	validate(ctx context.Context) error
	computeFee() (fees.Quote, error)
	route(ctx context.Context, quote fees.Quote) (*Result, error)
}

// Transfer validates, prices and routes a request. Rejections happen before any
// Transaction is recorded. When the ledger leg fails after a Transaction was
// recorded, both the Result and the error are returned.
func (o *Orchestrator) Transfer(ctx context.Context, req Request) (*Result, error) {
	if !req.Amount.IsPositive() {
		return nil, failure.New(failure.Validation, "amount must be positive")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	currency, err := o.store.GetCurrency(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	t, err := o.newTransfer(req, currency)
	if err != nil {
		return nil, err
	}

	if err := t.validate(ctx); err != nil {
		zap.L().Info("Transfer rejected",
			zap.String("sender_wallet", req.SenderWalletId),
			zap.String("recipient", req.Recipient),
			zap.String("reason", string(failure.ReasonOf(err))),
			zap.Error(err))
		return nil, err
	}

	quote, err := t.computeFee()
	if err != nil {
		return nil, err
	}
	quote = quote.RoundTo(int32(currency.Precision))

	zap.L().Info("Routing transfer",
		zap.String("level", string(req.Level)),
		zap.String("currency", req.Currency),
		zap.String("amount", req.Amount.String()),
		zap.String("quote", quote.String()),
		zap.String("request_id", models.RequestIdFrom(ctx)))

	return t.route(ctx, quote)
}

func (o *Orchestrator) newTransfer(req Request, currency *models.SupportedCurrency) (Transfer, error) {
	switch req.Level {
	case models.LevelWallet:
		return &WalletTransfer{o: o, req: req, currency: currency}, nil
	case models.LevelAccount:
		if req.SenderAccountId == "" {
			return nil, failure.New(failure.Validation, "sender account is required for account level transfers")
		}
		return &AccountTransfer{o: o, req: req, currency: currency}, nil
	default:
		return nil, failure.New(failure.Validation, "unknown transfer level %q", req.Level)
	}
}

func (o *Orchestrator) quote(category fees.Category, amount decimal.Decimal, currency *models.SupportedCurrency) (fees.Quote, error) {
	quote, err := o.fees.Compute(category, amount)
	if err != nil {
		return fees.Quote{}, err
	}
	return quote.RoundTo(int32(currency.Precision)), nil
}

// activeWallet loads a wallet and rejects it when banned.
func (o *Orchestrator) activeWallet(ctx context.Context, walletId string) (*models.Wallet, error) {
	wallet, err := o.store.GetWalletById(ctx, walletId)
	if err != nil {
		return nil, err
	}
	if wallet.Banned {
		return nil, failure.New(failure.Banned, "wallet %s is banned", walletId)
	}
	return wallet, nil
}

// grandAccount returns the grand vault and the on-ledger account behind it.
func (o *Orchestrator) grandAccount(ctx context.Context) (*models.Vault, *models.Account, error) {
	grand, err := o.store.GetGrandVault(ctx)
	if err != nil {
		return nil, nil, err
	}
	account, err := o.store.GetAccountById(ctx, grand.AccountId)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load grand vault account: %w", err)
	}
	return grand, account, nil
}

// accountSecret opens an account's sealed secret right before it is used.
func (o *Orchestrator) accountSecret(ctx context.Context, accountId string) (string, error) {
	sealed, err := o.store.GetAccountSecret(ctx, accountId)
	if err != nil {
		return "", err
	}
	secret, err := o.sealer.Open(sealed)
	if err != nil {
		return "", failure.Wrap(failure.ConfigurationError, err, "cannot open secret of account %s", accountId)
	}
	return secret, nil
}

// pay submits one payment bounded by the call timeout. Native payments without
// a tag go through TransferNative.
func (o *Orchestrator) pay(ctx context.Context, secret, dest, currency string, amount decimal.Decimal, tag uint64, reference string) (*network.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	if currency == o.cfg.NativeSymbol && tag == 0 {
		return o.ledger.TransferNative(callCtx, secret, amount, dest, reference)
	}
	return o.ledger.PayIssuedCurrency(callCtx, secret, dest, currency, amount, tag, reference)
}

func (o *Orchestrator) hashLink(hash string) string {
	if hash == "" || o.cfg.ExplorerURL == "" {
		return ""
	}
	return strings.TrimRight(o.cfg.ExplorerURL, "/") + "/" + hash
}

func resultFrom(tx *models.Transaction) *Result {
	return &Result{
		TransactionId:    tx.Id,
		Status:           tx.Status,
		SagaState:        tx.SagaState,
		Amount:           tx.Amount,
		Fee:              tx.Fee,
		AmountToTransact: tx.AmountToTransact(),
		Pending:          tx.Status == models.StatusPending,
		Hash:             tx.Hash,
		HashLink:         tx.HashLink,
		ExternalError:    tx.ExternalError,
	}
}

// reload returns the latest persisted state of a transaction as a Result.
func (o *Orchestrator) reload(ctx context.Context, transactionId string) *Result {
	tx, err := o.store.GetTransaction(ctx, transactionId)
	if err != nil {
		zap.L().Warn("Failed to reload transaction", zap.String("transaction_id", transactionId), zap.Error(err))
		return &Result{TransactionId: transactionId}
	}
	return resultFrom(tx)
}
