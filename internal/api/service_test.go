package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/settlement"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
)

type okLedger struct{}

func (okLedger) TransferNative(_ context.Context, _ string, _ decimal.Decimal, _, reference string) (*network.Receipt, error) {
	return &network.Receipt{Hash: "hash-" + reference, Success: true}, nil
}

func (okLedger) PayIssuedCurrency(_ context.Context, _, _, _ string, _ decimal.Decimal, _ uint64, reference string) (*network.Receipt, error) {
	return &network.Receipt{Hash: "hash-" + reference, Success: true}, nil
}

func (okLedger) Lookup(context.Context, string, string) (*network.Receipt, error) {
	return nil, network.ErrNotFound
}

func (okLedger) Snapshot(_ context.Context, address string) (*network.AccountSnapshot, error) {
	return &network.AccountSnapshot{
		Address: address,
		Native:  decimal.NewFromInt(12),
		Assets:  []models.AssetBalance{{Currency: "USDX", Balance: decimal.NewFromInt(3)}},
	}, nil
}

func (okLedger) NewKeypair() (string, string, error) {
	kp := keypair.MustRandom()
	return kp.Address(), kp.Seed(), nil
}

type fixedMirror map[string]decimal.Decimal

func (m fixedMirror) Balances(context.Context, string) (map[string]decimal.Decimal, error) {
	return m, nil
}

func setupTestService(t *testing.T) (*LedgerService, *database.Service, func()) {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, PingTimeout: time.Second, CASRetries: 5})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	key, _ := secrets.GenerateKey()
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	engine, err := fees.NewEngine(map[fees.Category]decimal.Decimal{fees.WalletToWalletTransfer: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("Failed to create fee engine: %v", err)
	}
	orch, err := transfer.NewOrchestrator(transfer.Deps{Store: db, Ledger: okLedger{}, Fees: engine, Sealer: sealer},
		transfer.Config{NativeSymbol: "XLM", CallTimeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	svc, err := NewLedgerService(Deps{Store: db, Orchestrator: orch, Ledger: okLedger{}, Sealer: sealer})
	if err != nil {
		t.Fatalf("Failed to create ledger service: %v", err)
	}

	if _, err := svc.Bootstrap(ctx, testBootstrap()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	return svc, db, func() {
		orch.Wait()
		db.Close()
	}
}

func testBootstrap() BootstrapParams {
	return BootstrapParams{
		Currencies: []models.SupportedCurrency{
			{Symbol: "usdx", Issuer: keypair.MustRandom().Address(), Supply: decimal.NewFromInt(1000), Precision: 7},
		},
		OperatorEmail: "Ops@Mox.test",
	}
}

func fund(t *testing.T, db *database.Service, vaultId, amount string) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.CreateTransaction(ctx, store.CreateTransactionParams{
		Type:     models.TypeBuy,
		Currency: "USDX",
		Amount:   decimal.RequireFromString(amount),
		Level:    models.LevelWallet,
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := db.CreditAsset(ctx, store.AssetMutation{VaultId: vaultId, Currency: "USDX", Amount: decimal.RequireFromString(amount), TransactionId: tx.Id}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}
}

func vaultBalance(t *testing.T, svc *LedgerService, walletId string) decimal.Decimal {
	t.Helper()
	balances, err := svc.GetBalances(context.Background(), walletId)
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	for _, b := range balances.Vault {
		if b.Currency == "USDX" {
			return b.Balance
		}
	}
	return decimal.Zero
}

func TestBootstrap_Idempotent(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	first, err := svc.Bootstrap(ctx, testBootstrap())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	second, err := svc.Bootstrap(ctx, testBootstrap())
	if err != nil {
		t.Fatalf("second Bootstrap failed: %v", err)
	}
	if *first != *second {
		t.Errorf("Expected identical bootstrap results, got %+v and %+v", first, second)
	}

	grand, err := db.GetGrandVault(ctx)
	if err != nil {
		t.Fatalf("GetGrandVault failed: %v", err)
	}
	if grand.Tag != 1 || grand.Id != first.GrandVaultId {
		t.Errorf("Unexpected grand vault %+v", grand)
	}
	accounts, _ := db.GetWalletAccounts(ctx, first.OperatorWalletId)
	if len(accounts) != 2 {
		t.Errorf("Expected grand and funding accounts, got %d", len(accounts))
	}
	if _, err := db.GetCurrency(ctx, "USDX"); err != nil {
		t.Errorf("Expected USDX to be configured: %v", err)
	}
}

func TestBootstrap_ImportsSecret(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	kp := keypair.MustRandom()
	params := testBootstrap()
	params.OperatorEmail = "other@mox.test"
	params.FundingSecret = kp.Seed()

	res, err := svc.Bootstrap(ctx, params)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if res.FundingAddress != kp.Address() {
		t.Errorf("Expected imported address %s, got %s", kp.Address(), res.FundingAddress)
	}
	secret, err := db.GetAccountSecret(ctx, res.FundingAccountId)
	if err != nil {
		t.Fatalf("GetAccountSecret failed: %v", err)
	}
	if secret == kp.Seed() {
		t.Errorf("Expected the secret to be sealed at rest")
	}

	params.FundingSecret = "not-a-secret"
	params.OperatorEmail = "third@mox.test"
	if _, err := svc.Bootstrap(ctx, params); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("Expected ValidationError for a bad secret, got %v", err)
	}
}

func TestCreateWallet(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	res, err := svc.CreateWallet(ctx, "Alice", " Alice@Mox.test ", true)
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if res.Wallet.Email != "alice@mox.test" {
		t.Errorf("Expected lowercased email, got %s", res.Wallet.Email)
	}
	if res.Vault.Tag <= 1 {
		t.Errorf("Expected a fresh tag, got %d", res.Vault.Tag)
	}
	grand, _ := db.GetGrandVault(ctx)
	if res.Vault.AccountId != grand.AccountId {
		t.Errorf("Expected the vault to live under the grand vault account")
	}

	tests := []struct {
		name  string
		email string
	}{
		{"duplicate", "alice@mox.test"},
		{"malformed", "not-an-email"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateWallet(ctx, "Other", tt.email, true); !errors.Is(err, failure.ErrValidation) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
}

func TestTransfer_ToUnregisteredSettlesOnSignup(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	alice, err := svc.CreateWallet(ctx, "Alice", "alice@mox.test", true)
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	fund(t, db, alice.Vault.Id, "100")

	result, err := svc.Transfer(ctx, transfer.Request{
		Level:          models.LevelWallet,
		SenderWalletId: alice.Wallet.Id,
		Recipient:      "Bob@Mox.test",
		Currency:       "USDX",
		Amount:         decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if !result.Success || !result.Pending || result.Status != string(models.StatusPending) {
		t.Fatalf("Expected a pending transfer, got %+v", result)
	}
	if got := vaultBalance(t, svc, alice.Wallet.Id); !got.Equal(decimal.NewFromInt(90)) {
		t.Errorf("Expected sender balance 90, got %s", got)
	}

	bob, err := svc.CreateWallet(ctx, "Bob", "bob@mox.test", true)
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	if len(bob.Settled) != 1 {
		t.Fatalf("Expected one settled credit, got %d", len(bob.Settled))
	}
	if got := vaultBalance(t, svc, bob.Wallet.Id); !got.Equal(decimal.RequireFromString("9.9")) {
		t.Errorf("Expected receiver balance 9.9, got %s", got)
	}

	history, err := svc.GetHistory(ctx, bob.Wallet.Id, 10, 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 || !history[0].Amount.Equal(decimal.RequireFromString("9.9")) {
		t.Errorf("Expected one incoming 9.9 record, got %+v", history)
	}
	history, _ = svc.GetHistory(ctx, alice.Wallet.Id, 10, 0)
	if len(history) != 1 || !history[0].Amount.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("Expected one outgoing -10 record, got %+v", history)
	}
}

func TestTransfer_Rejections(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	alice, _ := svc.CreateWallet(ctx, "Alice", "alice@mox.test", true)
	bob, _ := svc.CreateWallet(ctx, "Bob", "bob@mox.test", true)
	fund(t, db, alice.Vault.Id, "5")

	tests := []struct {
		name       string
		amount     string
		currency   string
		wantReason failure.Reason
	}{
		{"insufficient", "10", "USDX", failure.InsufficientFunds},
		{"unsupported", "1", "EUR", failure.UnsupportedCurrency},
		{"zero", "0", "USDX", failure.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.Transfer(ctx, transfer.Request{
				Level:          models.LevelWallet,
				SenderWalletId: alice.Wallet.Id,
				Recipient:      bob.Wallet.Email,
				Currency:       tt.currency,
				Amount:         decimal.RequireFromString(tt.amount),
			})
			if err != nil {
				t.Fatalf("Transfer returned error: %v", err)
			}
			if result.Success || result.Reason != string(tt.wantReason) {
				t.Errorf("Expected %s rejection, got %+v", tt.wantReason, result)
			}
			if result.Error == "" {
				t.Errorf("Expected an error message")
			}
		})
	}

	if got := vaultBalance(t, svc, alice.Wallet.Id); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected balance unchanged at 5, got %s", got)
	}
}

func TestBanWallet(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	alice, _ := svc.CreateWallet(ctx, "Alice", "alice@mox.test", true)
	bob, _ := svc.CreateWallet(ctx, "Bob", "bob@mox.test", true)
	fund(t, db, alice.Vault.Id, "50")

	if err := svc.BanWallet(ctx, alice.Wallet.Id); err != nil {
		t.Fatalf("BanWallet failed: %v", err)
	}
	req := transfer.Request{
		Level:          models.LevelWallet,
		SenderWalletId: alice.Wallet.Id,
		Recipient:      bob.Wallet.Email,
		Currency:       "USDX",
		Amount:         decimal.NewFromInt(1),
	}
	result, _ := svc.Transfer(ctx, req)
	if result.Success || result.Reason != string(failure.Banned) {
		t.Errorf("Expected Banned rejection, got %+v", result)
	}
	if _, err := svc.CreateAccount(ctx, alice.Wallet.Id, "savings"); !errors.Is(err, failure.ErrBanned) {
		t.Errorf("Expected Banned for new account, got %v", err)
	}

	if err := svc.UnbanWallet(ctx, alice.Wallet.Id); err != nil {
		t.Fatalf("UnbanWallet failed: %v", err)
	}
	if result, _ := svc.Transfer(ctx, req); !result.Success {
		t.Errorf("Expected transfer to pass after unban, got %+v", result)
	}
}

func TestAccounts(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	alice, _ := svc.CreateWallet(ctx, "Alice", "alice@mox.test", true)
	view, err := svc.CreateAccount(ctx, alice.Wallet.Id, "savings")
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	refreshed, err := svc.RefreshAccount(ctx, view.Id)
	if err != nil {
		t.Fatalf("RefreshAccount failed: %v", err)
	}
	if len(refreshed.Assets) != 2 || !refreshed.Assets[0].Balance.Equal(decimal.NewFromInt(12)) {
		t.Errorf("Expected native and USDX snapshot lines, got %+v", refreshed.Assets)
	}

	balances, err := svc.GetBalances(ctx, alice.Wallet.Id)
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	if len(balances.Accounts) != 2 {
		t.Errorf("Expected main and savings accounts, got %d", len(balances.Accounts))
	}
	if balances.VaultTag != alice.Vault.Tag {
		t.Errorf("Expected vault tag %d, got %d", alice.Vault.Tag, balances.VaultTag)
	}

	if err := svc.RegisterDevice(ctx, alice.Wallet.Id, "android", ""); !errors.Is(err, failure.ErrValidation) {
		t.Errorf("Expected ValidationError for empty token, got %v", err)
	}
	if err := svc.RegisterDevice(ctx, alice.Wallet.Id, "android", "tok"); err != nil {
		t.Errorf("RegisterDevice failed: %v", err)
	}
}

func TestReconcileWallet(t *testing.T) {
	svc, db, cleanup := setupTestService(t)
	defer cleanup()
	ctx := context.Background()

	alice, _ := svc.CreateWallet(ctx, "Alice", "alice@mox.test", true)
	fund(t, db, alice.Vault.Id, "25")

	checks, err := svc.ReconcileWallet(ctx, alice.Wallet.Id)
	if err != nil {
		t.Fatalf("ReconcileWallet failed: %v", err)
	}
	if len(checks) != 1 || checks[0].Err != nil || checks[0].Mirrored != nil {
		t.Fatalf("Expected one clean check without mirror, got %+v", checks)
	}

	svc.mirror = fixedMirror{"USDX": decimal.NewFromInt(20)}
	checks, _ = svc.ReconcileWallet(ctx, alice.Wallet.Id)
	if checks[0].Mirrored == nil || !checks[0].Mirrored.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected mirrored balance 20, got %+v", checks[0].Mirrored)
	}
}

func TestHandleGatewayEvent_WithoutGateway(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()

	_, err := svc.HandleGatewayEvent(context.Background(), settlement.Event{Reference: "BUY-1", Status: models.TradeSuccess})
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	svc, _, cleanup := setupTestService(t)
	defer cleanup()

	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
