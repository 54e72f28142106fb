package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
)

// flakyLedger answers with the queued errors first and succeeds afterwards.
type flakyLedger struct {
	mu      sync.Mutex
	errs    []error
	rejects int
	landed  map[string]bool
	lookups int
}

func (l *flakyLedger) pay(reference string) (*network.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return nil, err
	}
	if l.rejects > 0 {
		l.rejects--
		return &network.Receipt{Code: "tx_bad_seq"}, nil
	}
	return &network.Receipt{Hash: "hash-" + reference, Success: true}, nil
}

func (l *flakyLedger) TransferNative(_ context.Context, _ string, _ decimal.Decimal, _, reference string) (*network.Receipt, error) {
	return l.pay(reference)
}

func (l *flakyLedger) PayIssuedCurrency(_ context.Context, _, _, _ string, _ decimal.Decimal, _ uint64, reference string) (*network.Receipt, error) {
	return l.pay(reference)
}

func (l *flakyLedger) Lookup(_ context.Context, _, reference string) (*network.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookups++
	if l.landed[reference] {
		return &network.Receipt{Hash: "late-" + reference, Success: true}, nil
	}
	return nil, network.ErrNotFound
}

func (l *flakyLedger) Snapshot(_ context.Context, address string) (*network.AccountSnapshot, error) {
	return &network.AccountSnapshot{Address: address}, nil
}

func (l *flakyLedger) NewKeypair() (string, string, error) {
	kp := keypair.MustRandom()
	return kp.Address(), kp.Seed(), nil
}

type paidGateway struct{}

func (paidGateway) Name() string { return "midtrans" }

func (paidGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return &gateway.ChargeResult{Success: true}, nil
}

func (paidGateway) VerifyStatus(_ context.Context, reference string) (*gateway.PaymentStatus, error) {
	return &gateway.PaymentStatus{Reference: reference, Status: models.TradeSuccess, Amount: decimal.NewFromInt(10), Currency: "IDR"}, nil
}

func (paidGateway) TransferToRecipient(context.Context, gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	return nil, errors.New("payouts disabled")
}

func (paidGateway) PayoutStatus(context.Context, string) (*gateway.PayoutResult, error) {
	return nil, errors.New("payouts disabled")
}

type env struct {
	store    *database.Service
	ledger   *flakyLedger
	orch     *transfer.Orchestrator
	sweeper  *Sweeper
	sender   *models.Vault
	receiver *models.Vault
	sendWal  *models.Wallet
}

func setupEnv(t *testing.T, grace time.Duration) *env {
	t.Helper()
	ctx := context.Background()

	s, err := database.NewService(ctx, models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second, CASRetries: 5})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(s.Close)

	key, _ := secrets.GenerateKey()
	sealer, _ := secrets.NewSealer(key)
	engine, err := fees.NewEngine(map[fees.Category]decimal.Decimal{fees.WalletToWalletTransfer: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("Failed to create fee engine: %v", err)
	}
	if err := s.UpsertCurrency(ctx, models.SupportedCurrency{Symbol: "USDX", Issuer: keypair.MustRandom().Address(), Supply: decimal.NewFromInt(1000), Precision: 7}); err != nil {
		t.Fatalf("UpsertCurrency failed: %v", err)
	}

	e := &env{store: s, ledger: &flakyLedger{landed: make(map[string]bool)}}

	newAccount := func(walletId string) *models.Account {
		kp := keypair.MustRandom()
		sealed, _ := sealer.Seal(kp.Seed())
		a, err := s.CreateAccount(ctx, store.CreateAccountParams{WalletId: walletId, Name: "main", Address: kp.Address(), SealedSecret: sealed})
		if err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		return a
	}
	newWallet := func(email string) *models.Wallet {
		w, err := s.CreateWallet(ctx, store.CreateWalletParams{Name: email, Email: email, Custodial: true})
		if err != nil {
			t.Fatalf("CreateWallet failed: %v", err)
		}
		return w
	}

	operator := newWallet("ops@mox.test")
	grandAccount := newAccount(operator.Id)
	funding := newAccount(operator.Id)
	newVault := func(walletId string, tag uint64) *models.Vault {
		address, _ := resolver.EncodeTaggedAddress(grandAccount.Address, tag)
		v, err := s.CreateVault(ctx, store.CreateVaultParams{WalletId: walletId, AccountId: grandAccount.Id, Tag: tag, Address: address, IsGrandVault: tag == resolver.GrandVaultTag})
		if err != nil {
			t.Fatalf("CreateVault failed: %v", err)
		}
		return v
	}
	newVault(operator.Id, resolver.GrandVaultTag)

	e.sendWal = newWallet("s@mox.test")
	e.sender = newVault(e.sendWal.Id, 100)
	e.receiver = newVault(newWallet("r@mox.test").Id, 200)

	seed, _ := s.CreateTransaction(ctx, store.CreateTransactionParams{Type: models.TypeBuy, Currency: "USDX", Amount: decimal.NewFromInt(100), Level: models.LevelWallet})
	if _, err := s.CreditAsset(ctx, store.AssetMutation{VaultId: e.sender.Id, Currency: "USDX", Amount: decimal.NewFromInt(100), TransactionId: seed.Id}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}

	e.orch, err = transfer.NewOrchestrator(transfer.Deps{Store: s, Ledger: e.ledger, Fees: engine, Sealer: sealer},
		transfer.Config{NativeSymbol: "XLM", CallTimeout: time.Second, OperatorAccountId: funding.Id})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	rec, err := settlement.NewReconciler(settlement.Deps{Store: s, Orchestrator: e.orch, Gateway: paidGateway{}, Fees: engine}, settlement.Config{})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	e.sweeper = NewSweeper(SweeperConfig{
		Store:           s,
		Orchestrator:    e.orch,
		Reconciler:      rec,
		PollingInterval: 10 * time.Millisecond,
		CleanupInterval: time.Hour,
		PendingGrace:    grace,
	})
	return e
}

func (e *env) request(amount string) transfer.Request {
	return transfer.Request{
		Level:          models.LevelWallet,
		SenderWalletId: e.sendWal.Id,
		Recipient:      "200",
		Currency:       "USDX",
		Amount:         decimal.RequireFromString(amount),
	}
}

func (e *env) send(t *testing.T, amount string) *transfer.Result {
	t.Helper()
	res, err := e.orch.Transfer(context.Background(), e.request(amount))
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	return res
}

func (e *env) balance(t *testing.T, vaultId string) decimal.Decimal {
	t.Helper()
	asset, err := e.store.FindAsset(context.Background(), vaultId, "USDX")
	if err != nil {
		t.Fatalf("FindAsset failed: %v", err)
	}
	if asset == nil {
		return decimal.Zero
	}
	return asset.Balance
}

// sweepAll runs a pass that considers everything regardless of age.
func (e *env) sweepAll(t *testing.T) *Report {
	t.Helper()
	report, err := e.sweeper.sweep(context.Background(), time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	return report
}

func TestSweep_SettlesLandedPayment(t *testing.T) {
	e := setupEnv(t, time.Hour)
	e.ledger.errs = []error{context.DeadlineExceeded}
	res := e.send(t, "40")
	if res.Status != models.StatusPending {
		t.Fatalf("expected pending transfer, got %s", res.Status)
	}

	report := e.sweepAll(t)
	if report.Waiting != 1 || report.Settled != 0 {
		t.Fatalf("expected the transfer to wait within grace, got %+v", report)
	}

	e.ledger.landed[res.TransactionId] = true
	report = e.sweepAll(t)
	if report.Settled != 1 {
		t.Fatalf("expected one settled transaction, got %+v", report)
	}
	if got := e.balance(t, e.receiver.Id); !got.Equal(decimal.RequireFromString("39.6")) {
		t.Errorf("expected receiver balance 39.6, got %s", got)
	}

	// Finished work is not looked at again.
	lookups := e.ledger.lookups
	if report := e.sweepAll(t); report.Examined != 0 {
		t.Errorf("expected nothing left to examine, got %+v", report)
	}
	if e.ledger.lookups != lookups {
		t.Errorf("expected no further lookups")
	}
}

func TestSweep_CompensatesMissingPayment(t *testing.T) {
	e := setupEnv(t, 0)
	e.ledger.errs = []error{errors.New("connection reset by peer")}
	res := e.send(t, "40")

	report := e.sweepAll(t)
	if report.Compensated != 1 {
		t.Fatalf("expected one compensation, got %+v", report)
	}
	tx, _ := e.store.GetTransaction(context.Background(), res.TransactionId)
	if tx.Status != models.StatusFailed || tx.SagaState != models.SagaCompensated {
		t.Errorf("expected FAILED and COMPENSATED, got %s %s", tx.Status, tx.SagaState)
	}
	if got := e.balance(t, e.sender.Id); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected sender restored to 100, got %s", got)
	}
}

func TestSweep_RetriesFailedRefund(t *testing.T) {
	e := setupEnv(t, time.Hour)
	e.ledger.rejects = 2
	res, err := e.orch.Transfer(context.Background(), e.request("40"))
	if err == nil || res == nil {
		t.Fatalf("expected a rejected transfer with a result, got %v", err)
	}

	tx, _ := e.store.GetTransaction(context.Background(), res.TransactionId)
	if tx.SagaState != models.SagaCompensating {
		t.Fatalf("expected COMPENSATING after failed refund, got %s", tx.SagaState)
	}

	report := e.sweepAll(t)
	if report.Compensated != 1 {
		t.Fatalf("expected refund retry to compensate, got %+v", report)
	}
	if got := e.balance(t, e.sender.Id); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected sender restored to 100, got %s", got)
	}
}

func TestSweep_RechecksStaleTrades(t *testing.T) {
	e := setupEnv(t, time.Hour)
	ctx := context.Background()
	trade, err := e.store.CreateTrade(ctx, store.CreateTradeParams{
		WalletId:    e.sendWal.Id,
		Level:       models.LevelWallet,
		TradeType:   models.TradeBuy,
		Gateway:     "midtrans",
		Reference:   "BUY-stale",
		Currency:    "USDX",
		Amount:      decimal.NewFromInt(5),
		Rate:        decimal.NewFromInt(1),
		PayCurrency: "IDR",
		PayAmount:   decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateTrade failed: %v", err)
	}

	report := e.sweepAll(t)
	if report.Trades != 1 || report.Failed != 0 {
		t.Fatalf("expected one rechecked trade, got %+v", report)
	}
	settled, _ := e.store.GetTradeById(ctx, trade.Id)
	if settled.Status != models.TradeSuccess || settled.TransactionId == "" {
		t.Errorf("expected disbursed trade, got %+v", settled)
	}
	if got := e.balance(t, e.sender.Id); !got.Equal(decimal.NewFromInt(105)) {
		t.Errorf("expected wallet balance 105, got %s", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	e := setupEnv(t, 0)
	e.ledger.errs = []error{context.DeadlineExceeded}
	res := e.send(t, "10")

	if err := e.sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.sweeper.Stop()

	tx, _ := e.store.GetTransaction(context.Background(), res.TransactionId)
	if tx.SagaState != models.SagaCompensated {
		t.Errorf("expected startup recovery to compensate, got %s", tx.SagaState)
	}
}

func TestCleanupProcessed(t *testing.T) {
	s := NewSweeper(SweeperConfig{CleanupInterval: time.Minute})
	s.markProcessed("fresh")
	s.processedIds["old"] = time.Now().Add(-time.Hour)

	s.cleanupProcessed()

	if !s.isProcessed("fresh") {
		t.Errorf("expected fresh id to be kept")
	}
	if s.isProcessed("old") {
		t.Errorf("expected old id to be dropped")
	}
}
