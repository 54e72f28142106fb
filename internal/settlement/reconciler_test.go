package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
)

// stubLedger accepts every payment unless reject is set.
type stubLedger struct {
	mu       sync.Mutex
	reject   bool
	payments int
}

func (l *stubLedger) receipt(reference string) (*network.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments++
	if l.reject {
		return &network.Receipt{Code: "op_underfunded"}, nil
	}
	return &network.Receipt{Hash: "hash-" + reference, Success: true}, nil
}

func (l *stubLedger) TransferNative(_ context.Context, _ string, _ decimal.Decimal, _, reference string) (*network.Receipt, error) {
	return l.receipt(reference)
}

func (l *stubLedger) PayIssuedCurrency(_ context.Context, _, _, _ string, _ decimal.Decimal, _ uint64, reference string) (*network.Receipt, error) {
	return l.receipt(reference)
}

func (l *stubLedger) Lookup(context.Context, string, string) (*network.Receipt, error) {
	return nil, network.ErrNotFound
}

func (l *stubLedger) Snapshot(_ context.Context, address string) (*network.AccountSnapshot, error) {
	return &network.AccountSnapshot{Address: address}, nil
}

func (l *stubLedger) NewKeypair() (string, string, error) {
	kp := keypair.MustRandom()
	return kp.Address(), kp.Seed(), nil
}

func (l *stubLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payments
}

// fakeGateway reports every payment as captured for the amount it was charged.
type fakeGateway struct {
	mu        sync.Mutex
	charged   map[string]decimal.Decimal
	statuses  map[string]*gateway.PaymentStatus
	payouts   []gateway.PayoutRequest
	details   map[string]*gateway.PayoutResult
	declined  bool
	payoutErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		charged:  make(map[string]decimal.Decimal),
		statuses: make(map[string]*gateway.PaymentStatus),
		details:  make(map[string]*gateway.PayoutResult),
	}
}

func (g *fakeGateway) Name() string { return "midtrans" }

func (g *fakeGateway) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charged[req.Reference] = req.Amount
	return &gateway.ChargeResult{Success: true, Token: "tok-" + req.Reference, RedirectURL: "https://pay.test/" + req.Reference}, nil
}

func (g *fakeGateway) VerifyStatus(_ context.Context, reference string) (*gateway.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.statuses[reference]; ok {
		return s, nil
	}
	amount, ok := g.charged[reference]
	if !ok {
		return nil, errors.New("transaction doesn't exist")
	}
	return &gateway.PaymentStatus{Reference: reference, Status: models.TradeSuccess, RawStatus: "settlement", Amount: amount, Currency: "IDR"}, nil
}

func (g *fakeGateway) TransferToRecipient(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts = append(g.payouts, req)
	if g.declined {
		return &gateway.PayoutResult{Status: "rejected"}, nil
	}
	// The provider queues the payout even when the answer never arrives.
	payout := &gateway.PayoutResult{Success: true, ReferenceNo: "ref-" + req.Reference, Status: "queued", Notes: req.Notes}
	g.details[payout.ReferenceNo] = payout
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return payout, nil
}

func (g *fakeGateway) PayoutStatus(_ context.Context, referenceNo string) (*gateway.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	payout, ok := g.details[referenceNo]
	if !ok {
		return nil, failure.New(failure.NotFound, "payout %s not found", referenceNo)
	}
	copied := *payout
	return &copied, nil
}

func (g *fakeGateway) setPayoutStatus(referenceNo, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.details[referenceNo].Status = status
}

type harness struct {
	store   *database.Service
	ledger  *stubLedger
	gateway *fakeGateway
	orch    *transfer.Orchestrator
	rec     *Reconciler
	grand   *models.Vault
	buyer   *models.Wallet
	vault   *models.Vault
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := database.NewService(ctx, models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second, CASRetries: 5})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(s.Close)

	key, _ := secrets.GenerateKey()
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	engine, err := fees.NewEngine(map[fees.Category]decimal.Decimal{
		fees.WalletBuy:  decimal.NewFromInt(1),
		fees.WalletSell: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("Failed to create fee engine: %v", err)
	}
	if err := s.UpsertCurrency(ctx, models.SupportedCurrency{Symbol: "USDX", Issuer: keypair.MustRandom().Address(), Supply: decimal.NewFromInt(1000), Precision: 2}); err != nil {
		t.Fatalf("UpsertCurrency failed: %v", err)
	}

	h := &harness{store: s, ledger: &stubLedger{}, gateway: newFakeGateway()}

	operator, err := s.CreateWallet(ctx, store.CreateWalletParams{Name: "operator", Email: "ops@mox.test", Custodial: true})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	account := func(walletId, name string) *models.Account {
		kp := keypair.MustRandom()
		sealed, err := sealer.Seal(kp.Seed())
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		a, err := s.CreateAccount(ctx, store.CreateAccountParams{WalletId: walletId, Name: name, Address: kp.Address(), SealedSecret: sealed})
		if err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		return a
	}
	vault := func(walletId string, tag uint64, grandAccount *models.Account, isGrand bool) *models.Vault {
		address, err := resolver.EncodeTaggedAddress(grandAccount.Address, tag)
		if err != nil {
			t.Fatalf("EncodeTaggedAddress failed: %v", err)
		}
		v, err := s.CreateVault(ctx, store.CreateVaultParams{WalletId: walletId, AccountId: grandAccount.Id, Tag: tag, Address: address, IsGrandVault: isGrand})
		if err != nil {
			t.Fatalf("CreateVault failed: %v", err)
		}
		return v
	}

	grandAccount := account(operator.Id, "grand")
	h.grand = vault(operator.Id, resolver.GrandVaultTag, grandAccount, true)
	funding := account(operator.Id, "funding")

	h.buyer, err = s.CreateWallet(ctx, store.CreateWalletParams{Name: "buyer", Email: "buyer@mox.test", Custodial: true})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	h.vault = vault(h.buyer.Id, 100, grandAccount, false)

	h.orch, err = transfer.NewOrchestrator(transfer.Deps{Store: s, Ledger: h.ledger, Fees: engine, Sealer: sealer},
		transfer.Config{NativeSymbol: "XLM", CallTimeout: time.Second, OperatorAccountId: funding.Id})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	h.rec, err = NewReconciler(Deps{Store: s, Orchestrator: h.orch, Gateway: h.gateway, Fees: engine}, Config{CallTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return h
}

func (h *harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	asset, err := h.store.FindAsset(context.Background(), h.vault.Id, "USDX")
	if err != nil {
		t.Fatalf("FindAsset failed: %v", err)
	}
	if asset == nil {
		return decimal.Zero
	}
	return asset.Balance
}

func (h *harness) buy(t *testing.T, amount string) *BuyResult {
	t.Helper()
	res, err := h.rec.InitiateBuy(context.Background(), BuyRequest{
		Level:       models.LevelWallet,
		WalletId:    h.buyer.Id,
		Currency:    "usdx",
		Amount:      decimal.RequireFromString(amount),
		PayCurrency: "IDR",
		Rate:        decimal.NewFromInt(16000),
	})
	if err != nil {
		t.Fatalf("InitiateBuy failed: %v", err)
	}
	return res
}

func TestInitiateBuy(t *testing.T) {
	h := setupHarness(t)
	res := h.buy(t, "10")

	if res.RedirectURL == "" {
		t.Errorf("expected redirect URL")
	}
	if !res.PayAmount.Equal(decimal.NewFromInt(160000)) {
		t.Errorf("expected pay amount 160000, got %s", res.PayAmount)
	}

	trade, err := h.store.GetTradeByReference(context.Background(), res.Reference)
	if err != nil {
		t.Fatalf("GetTradeByReference failed: %v", err)
	}
	if trade.Status != models.TradePending || trade.Currency != "USDX" {
		t.Errorf("unexpected trade %+v", trade)
	}
	if !trade.Amount.Equal(decimal.RequireFromString("9.9")) || !trade.Fee.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("expected net amount 9.9 and fee 0.1, got %s and %s", trade.Amount, trade.Fee)
	}
	if h.balance(t).IsPositive() {
		t.Errorf("nothing may be credited before the payment is confirmed")
	}
}

func TestInitiateBuy_Rejections(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	if err := h.store.SetWalletBanned(ctx, h.buyer.Id, true); err != nil {
		t.Fatalf("SetWalletBanned failed: %v", err)
	}

	tests := []struct {
		name string
		req  BuyRequest
		want error
	}{
		{"banned", BuyRequest{Level: models.LevelWallet, WalletId: h.buyer.Id, Currency: "USDX", Amount: decimal.NewFromInt(1), PayCurrency: "IDR"}, failure.ErrBanned},
		{"zero", BuyRequest{Level: models.LevelWallet, WalletId: h.buyer.Id, Currency: "USDX", PayCurrency: "IDR"}, failure.ErrValidation},
		{"no pay currency", BuyRequest{Level: models.LevelWallet, WalletId: h.buyer.Id, Currency: "USDX", Amount: decimal.NewFromInt(1)}, failure.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.rec.InitiateBuy(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// A replayed notification disburses once.
func TestHandleEvent_DisbursesOnce(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.buy(t, "10")
	ev := Event{Gateway: "midtrans", Reference: res.Reference, Status: models.TradeSuccess, RawStatus: "settlement"}

	settlement, err := h.rec.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if settlement.Status != models.TradeSuccess || settlement.TransactionId == "" {
		t.Fatalf("expected settled trade with transaction, got %+v", settlement)
	}
	if !h.balance(t).Equal(decimal.RequireFromString("9.9")) {
		t.Errorf("expected buyer balance 9.9, got %s", h.balance(t))
	}

	if _, err := h.rec.HandleEvent(ctx, ev); !errors.Is(err, failure.ErrDuplicateEvent) {
		t.Fatalf("expected DuplicateEvent on replay, got %v", err)
	}
	if !h.balance(t).Equal(decimal.RequireFromString("9.9")) {
		t.Errorf("replay changed balance to %s", h.balance(t))
	}
	if h.ledger.count() != 1 {
		t.Errorf("expected one disbursement, got %d", h.ledger.count())
	}

	history, _ := h.store.GetTransactionHistory(ctx, models.RefOwnerTrade, settlement.TradeId, 10, 0)
	if len(history) != 1 {
		t.Errorf("expected one transaction for the trade, got %d", len(history))
	}
}

func TestHandleEvent_ConcurrentDeliveries(t *testing.T) {
	h := setupHarness(t)
	res := h.buy(t, "10")
	ev := Event{Reference: res.Reference, Status: models.TradeSuccess}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.rec.HandleEvent(context.Background(), ev)
		}()
	}
	wg.Wait()

	if h.ledger.count() != 1 {
		t.Errorf("expected one disbursement, got %d", h.ledger.count())
	}
	if !h.balance(t).Equal(decimal.RequireFromString("9.9")) {
		t.Errorf("expected buyer balance 9.9, got %s", h.balance(t))
	}
}

func TestHandleEvent_VerificationFailures(t *testing.T) {
	tests := []struct {
		name   string
		status *gateway.PaymentStatus
	}{
		{"amount mismatch", &gateway.PaymentStatus{Status: models.TradeSuccess, Amount: decimal.NewFromInt(1000), Currency: "IDR"}},
		{"currency mismatch", &gateway.PaymentStatus{Status: models.TradeSuccess, Amount: decimal.NewFromInt(160000), Currency: "USD"}},
		{"gateway says failed", &gateway.PaymentStatus{Status: models.TradeFailed, RawStatus: "deny", Amount: decimal.NewFromInt(160000), Currency: "IDR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			res := h.buy(t, "10")
			h.gateway.statuses[res.Reference] = tt.status

			settlement, err := h.rec.HandleEvent(context.Background(), Event{Reference: res.Reference, Status: models.TradeSuccess})
			if err != nil {
				t.Fatalf("HandleEvent failed: %v", err)
			}
			if settlement.Status != models.TradeFailed {
				t.Errorf("expected failed trade, got %s", settlement.Status)
			}
			if h.ledger.count() != 0 || h.balance(t).IsPositive() {
				t.Errorf("unverified payment must not be disbursed")
			}
		})
	}
}

func TestHandleEvent_VerifyErrorAllowsRedelivery(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.buy(t, "10")

	amount := h.gateway.charged[res.Reference]
	delete(h.gateway.charged, res.Reference)

	ev := Event{Reference: res.Reference, Status: models.TradeSuccess}
	if _, err := h.rec.HandleEvent(ctx, ev); !errors.Is(err, failure.ErrExternalService) {
		t.Fatalf("expected ExternalServiceFailure, got %v", err)
	}

	h.gateway.charged[res.Reference] = amount
	settlement, err := h.rec.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if settlement.Status != models.TradeSuccess {
		t.Errorf("expected settled trade, got %s", settlement.Status)
	}
}

func TestHandleEvent_PendingAndUnknown(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.buy(t, "10")

	settlement, err := h.rec.HandleEvent(ctx, Event{Reference: res.Reference, Status: models.TradePending, RawStatus: "pending"})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if settlement.Status != models.TradePending {
		t.Errorf("pending event must not change the trade, got %s", settlement.Status)
	}
	trade, _ := h.store.GetTradeByReference(ctx, res.Reference)
	if trade.WebhookStatus != "" {
		t.Errorf("pending event must not be recorded, got %q", trade.WebhookStatus)
	}

	if _, err := h.rec.HandleEvent(ctx, Event{Reference: "nope", Status: models.TradeSuccess}); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("expected NotFound for unknown reference, got %v", err)
	}
	if _, err := h.rec.HandleEvent(ctx, Event{Gateway: "stripe", Reference: res.Reference, Status: models.TradeSuccess}); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("expected ValidationError for foreign gateway, got %v", err)
	}
}

func TestHandleEvent_FailedDisbursementReleasesSupply(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.buy(t, "10")
	h.ledger.reject = true

	settlement, err := h.rec.HandleEvent(ctx, Event{Reference: res.Reference, Status: models.TradeSuccess})
	if !errors.Is(err, failure.ErrExternalService) {
		t.Fatalf("expected ExternalServiceFailure, got %v", err)
	}
	if settlement.Status != models.TradeFailed {
		t.Errorf("expected failed trade, got %s", settlement.Status)
	}
	currency, _ := h.store.GetCurrency(ctx, "USDX")
	if !currency.SuppliedTokens.IsZero() {
		t.Errorf("expected supply to be released, got %s", currency.SuppliedTokens)
	}
}

func TestRecheck(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.buy(t, "10")
	trade, _ := h.store.GetTradeByReference(ctx, res.Reference)

	h.gateway.statuses[res.Reference] = &gateway.PaymentStatus{Status: models.TradePending}
	settlement, err := h.rec.Recheck(ctx, trade)
	if err != nil || settlement.Status != models.TradePending {
		t.Fatalf("expected trade to stay pending, got %+v %v", settlement, err)
	}

	delete(h.gateway.statuses, res.Reference)
	settlement, err = h.rec.Recheck(ctx, trade)
	if err != nil {
		t.Fatalf("Recheck failed: %v", err)
	}
	if settlement.Status != models.TradeSuccess {
		t.Errorf("expected settled trade, got %s", settlement.Status)
	}
}

func TestSell(t *testing.T) {
	tests := []struct {
		name        string
		declined    bool
		wantErr     error
		wantTrade   models.TradeStatus
		wantBalance string
	}{
		{"payout accepted", false, nil, models.TradeSuccess, "70"},
		{"payout declined refunds", true, failure.ErrExternalService, models.TradeFailed, "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			ctx := context.Background()
			seed, err := h.store.CreateTransaction(ctx, store.CreateTransactionParams{Type: models.TypeBuy, Currency: "USDX", Amount: decimal.NewFromInt(100), Level: models.LevelWallet})
			if err != nil {
				t.Fatalf("CreateTransaction failed: %v", err)
			}
			if _, err := h.store.CreditAsset(ctx, store.AssetMutation{VaultId: h.vault.Id, Currency: "USDX", Amount: decimal.NewFromInt(100), TransactionId: seed.Id}); err != nil {
				t.Fatalf("CreditAsset failed: %v", err)
			}
			h.gateway.declined = tt.declined

			res, err := h.rec.Sell(ctx, SellRequest{
				Level:              models.LevelWallet,
				WalletId:           h.buyer.Id,
				Currency:           "USDX",
				Amount:             decimal.NewFromInt(30),
				PayCurrency:        "IDR",
				Rate:               decimal.NewFromInt(16000),
				BeneficiaryName:    "Buyer",
				BeneficiaryAccount: "1234567890",
				BeneficiaryBank:    "bca",
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Sell failed: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if len(h.gateway.payouts) != 1 || !h.gateway.payouts[0].Amount.Equal(decimal.NewFromInt(475200)) {
				t.Errorf("expected one payout of 475200, got %+v", h.gateway.payouts)
			}
			trade, err := h.store.GetTradeById(ctx, res.TradeId)
			if err != nil {
				t.Fatalf("GetTradeById failed: %v", err)
			}
			if trade.Status != tt.wantTrade || trade.TransactionId != res.Transaction.TransactionId {
				t.Errorf("unexpected trade %+v", trade)
			}
			if !h.balance(t).Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Errorf("expected seller balance %s, got %s", tt.wantBalance, h.balance(t))
			}
		})
	}
}

func TestHandleEvent_FailedPayoutNotificationRefunds(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	seed, _ := h.store.CreateTransaction(ctx, store.CreateTransactionParams{Type: models.TypeBuy, Currency: "USDX", Amount: decimal.NewFromInt(50), Level: models.LevelWallet})
	if _, err := h.store.CreditAsset(ctx, store.AssetMutation{VaultId: h.vault.Id, Currency: "USDX", Amount: decimal.NewFromInt(50), TransactionId: seed.Id}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}

	res, err := h.rec.Sell(ctx, SellRequest{
		Level:              models.LevelWallet,
		WalletId:           h.buyer.Id,
		Currency:           "USDX",
		Amount:             decimal.NewFromInt(50),
		PayCurrency:        "IDR",
		BeneficiaryAccount: "1234567890",
		BeneficiaryBank:    "bca",
	})
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	if h.balance(t).IsPositive() {
		t.Fatalf("expected seller to be debited")
	}

	settlement, err := h.rec.HandleEvent(ctx, Event{Reference: res.Reference, Status: models.TradeFailed, RawStatus: "failed"})
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if settlement.Status != models.TradeFailed {
		t.Errorf("expected failed trade, got %s", settlement.Status)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected seller refunded to 50, got %s", h.balance(t))
	}
}

func TestHandlePayoutEvent(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	seed, _ := h.store.CreateTransaction(ctx, store.CreateTransactionParams{Type: models.TypeBuy, Currency: "USDX", Amount: decimal.NewFromInt(50), Level: models.LevelWallet})
	if _, err := h.store.CreditAsset(ctx, store.AssetMutation{VaultId: h.vault.Id, Currency: "USDX", Amount: decimal.NewFromInt(50), TransactionId: seed.Id}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}

	res, err := h.rec.Sell(ctx, SellRequest{
		Level:              models.LevelWallet,
		WalletId:           h.buyer.Id,
		Currency:           "USDX",
		Amount:             decimal.NewFromInt(50),
		PayCurrency:        "IDR",
		BeneficiaryAccount: "1234567890",
		BeneficiaryBank:    "bca",
	})
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}

	if _, err := h.rec.HandlePayoutEvent(ctx, "ref-unknown", "failed"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("expected not found for unknown payout, got %v", err)
	}
	if _, err := h.rec.HandlePayoutEvent(ctx, "", "failed"); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("expected validation error for empty reference, got %v", err)
	}

	settlement, err := h.rec.HandlePayoutEvent(ctx, "ref-"+res.Reference, "rejected")
	if err != nil {
		t.Fatalf("HandlePayoutEvent failed: %v", err)
	}
	if settlement.TradeId != res.TradeId || settlement.Status != models.TradeFailed {
		t.Errorf("unexpected settlement %+v", settlement)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected seller refunded to 50, got %s", h.balance(t))
	}
}

// sellTimedOut sells 30 of a 100 balance while the payout call times out.
func (h *harness) sellTimedOut(t *testing.T) *SellResult {
	t.Helper()
	ctx := context.Background()
	seed, err := h.store.CreateTransaction(ctx, store.CreateTransactionParams{Type: models.TypeBuy, Currency: "USDX", Amount: decimal.NewFromInt(100), Level: models.LevelWallet})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := h.store.CreditAsset(ctx, store.AssetMutation{VaultId: h.vault.Id, Currency: "USDX", Amount: decimal.NewFromInt(100), TransactionId: seed.Id}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}
	h.gateway.payoutErr = context.DeadlineExceeded

	res, err := h.rec.Sell(ctx, SellRequest{
		Level:              models.LevelWallet,
		WalletId:           h.buyer.Id,
		Currency:           "USDX",
		Amount:             decimal.NewFromInt(30),
		PayCurrency:        "IDR",
		Rate:               decimal.NewFromInt(16000),
		BeneficiaryAccount: "1234567890",
		BeneficiaryBank:    "bca",
	})
	if err != nil {
		t.Fatalf("Sell failed: %v", err)
	}
	return res
}

func TestSell_TimedOutPayoutHoldsFunds(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.sellTimedOut(t)

	if res.PayoutError == "" {
		t.Errorf("expected payout error to be reported")
	}
	trade, err := h.store.GetTradeById(ctx, res.TradeId)
	if err != nil {
		t.Fatalf("GetTradeById failed: %v", err)
	}
	if trade.Status != models.TradePending || trade.GatewayError == "" {
		t.Errorf("expected pending trade with recorded error, got %+v", trade)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected seller to stay debited at 70, got %s", h.balance(t))
	}
	tx, err := h.store.GetTransaction(ctx, res.Transaction.TransactionId)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if tx.Status != models.StatusSuccess {
		t.Errorf("expected sale to stay settled, got %s", tx.Status)
	}
}

func TestHandlePayoutEvent_AdoptsTimedOutPayout(t *testing.T) {
	tests := []struct {
		name        string
		rawStatus   string
		wantTrade   models.TradeStatus
		wantBalance string
	}{
		{"completed pays once", "completed", models.TradeSuccess, "70"},
		{"rejected refunds", "rejected", models.TradeFailed, "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			ctx := context.Background()
			res := h.sellTimedOut(t)
			referenceNo := "ref-" + res.Reference

			settlement, err := h.rec.HandlePayoutEvent(ctx, referenceNo, tt.rawStatus)
			if err != nil {
				t.Fatalf("HandlePayoutEvent failed: %v", err)
			}
			if settlement.TradeId != res.TradeId || settlement.Status != tt.wantTrade {
				t.Errorf("unexpected settlement %+v", settlement)
			}
			trade, _ := h.store.GetTradeById(ctx, res.TradeId)
			if trade.GatewayTransactionId != referenceNo {
				t.Errorf("expected trade bound to %s, got %q", referenceNo, trade.GatewayTransactionId)
			}
			if !h.balance(t).Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Errorf("expected seller balance %s, got %s", tt.wantBalance, h.balance(t))
			}
			if len(h.gateway.payouts) != 1 {
				t.Errorf("expected a single payout request, got %d", len(h.gateway.payouts))
			}
		})
	}
}

func TestHandlePayoutEvent_ForeignNotes(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.gateway.details["ref-manual"] = &gateway.PayoutResult{ReferenceNo: "ref-manual", Status: "completed", Notes: "manual payout"}

	if _, err := h.rec.HandlePayoutEvent(ctx, "ref-manual", "completed"); !errors.Is(err, failure.ErrNotFound) {
		t.Errorf("expected not found for payout without a trade reference, got %v", err)
	}
}

func TestRecheck_TimedOutPayout(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	res := h.sellTimedOut(t)
	referenceNo := "ref-" + res.Reference

	trade, _ := h.store.GetTradeById(ctx, res.TradeId)
	settlement, err := h.rec.Recheck(ctx, trade)
	if err != nil || settlement.Status != models.TradePending {
		t.Fatalf("expected trade to wait for its payout reference, got %+v %v", settlement, err)
	}

	if err := h.store.SetTradeGatewayRef(ctx, trade.Id, referenceNo); err != nil {
		t.Fatalf("SetTradeGatewayRef failed: %v", err)
	}
	trade, _ = h.store.GetTradeById(ctx, res.TradeId)
	settlement, err = h.rec.Recheck(ctx, trade)
	if err != nil || settlement.Status != models.TradePending {
		t.Fatalf("expected queued payout to stay pending, got %+v %v", settlement, err)
	}

	h.gateway.setPayoutStatus(referenceNo, "failed")
	settlement, err = h.rec.Recheck(ctx, trade)
	if err != nil {
		t.Fatalf("Recheck failed: %v", err)
	}
	if settlement.Status != models.TradeFailed {
		t.Errorf("expected failed trade, got %s", settlement.Status)
	}
	if !h.balance(t).Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected seller refunded to 100, got %s", h.balance(t))
	}
}
