package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/network"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/secrets"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
)

type payment struct {
	secret    string
	dest      string
	currency  string
	amount    decimal.Decimal
	tag       uint64
	reference string
	native    bool
}

type outcome struct {
	reject string // ledger result code of a definite failure
	err    error
}

// fakeLedger succeeds by default. Scripted outcomes are consumed in order.
type fakeLedger struct {
	mu        sync.Mutex
	payments  []payment
	script    []outcome
	lookups   map[string]*network.Receipt
	lookedUp  []string
	snapshots map[string]*network.AccountSnapshot
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		lookups:   make(map[string]*network.Receipt),
		snapshots: make(map[string]*network.AccountSnapshot),
	}
}

func (f *fakeLedger) then(o ...outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, o...)
}

func (f *fakeLedger) record(p payment) (*network.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.payments = append(f.payments, p)
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		if next.err != nil {
			return nil, next.err
		}
		if next.reject != "" {
			return &network.Receipt{Code: next.reject, Success: false}, nil
		}
	}
	return &network.Receipt{Hash: "hash-" + p.reference, Code: "tx_success", Success: true}, nil
}

func (f *fakeLedger) TransferNative(_ context.Context, secret string, amount decimal.Decimal, dest, reference string) (*network.Receipt, error) {
	return f.record(payment{secret: secret, dest: dest, amount: amount, reference: reference, native: true})
}

func (f *fakeLedger) PayIssuedCurrency(_ context.Context, secret, dest, currency string, amount decimal.Decimal, destTag uint64, reference string) (*network.Receipt, error) {
	return f.record(payment{secret: secret, dest: dest, currency: currency, amount: amount, tag: destTag, reference: reference})
}

func (f *fakeLedger) Lookup(_ context.Context, source, reference string) (*network.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookedUp = append(f.lookedUp, source+"|"+reference)
	if r, ok := f.lookups[reference]; ok {
		return r, nil
	}
	return nil, network.ErrNotFound
}

func (f *fakeLedger) Snapshot(_ context.Context, address string) (*network.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snapshots[address]; ok {
		return s, nil
	}
	return &network.AccountSnapshot{Address: address, Native: decimal.Zero}, nil
}

func (f *fakeLedger) NewKeypair() (string, string, error) {
	kp := keypair.MustRandom()
	return kp.Address(), kp.Seed(), nil
}

func (f *fakeLedger) paid() []payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment(nil), f.payments...)
}

type note struct {
	walletId string
	title    string
}

type recordingNotifier struct {
	mu     sync.Mutex
	notes  []note
	emails []string
}

func (r *recordingNotifier) Notify(_ context.Context, walletId, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{walletId, title})
	return nil
}

func (r *recordingNotifier) SendEmail(_ context.Context, address, _ string, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, address)
	return nil
}

type recordingJournal struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingJournal) Record(_ context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, tx.Id)
	return nil
}

type party struct {
	wallet  *models.Wallet
	account *models.Account
	vault   *models.Vault
	secret  string
}

type fixture struct {
	store        *database.Service
	ledger       *fakeLedger
	notes        *recordingNotifier
	journal      *recordingJournal
	sealer       *secrets.Sealer
	orch         *Orchestrator
	grand        *models.Vault
	grandAccount *models.Account
	grandSecret  string
	operator     *models.Account
}

var testRates = map[fees.Category]decimal.Decimal{
	fees.WalletToWalletTransfer:   decimal.NewFromInt(1),
	fees.WalletToAccountTransfer:  decimal.NewFromInt(1),
	fees.AccountToWalletTransfer:  decimal.NewFromInt(2),
	fees.AccountToAccountTransfer: decimal.NewFromInt(2),
	fees.WalletSell:               decimal.NewFromInt(1),
	fees.AccountSell:              decimal.NewFromInt(1),
}

// slowJournalStore widens the window between the journal check and the
// credit that follows it.
type slowJournalStore struct {
	*database.Service
	delay time.Duration
}

func (s *slowJournalStore) GetJournal(ctx context.Context, transactionId string) ([]models.JournalEntry, error) {
	time.Sleep(s.delay)
	return s.Service.GetJournal(ctx, transactionId)
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
		CASRetries:   5,
	})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(s.Close)

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	engine, err := fees.NewEngine(testRates)
	if err != nil {
		t.Fatalf("Failed to create fee engine: %v", err)
	}

	for _, c := range []models.SupportedCurrency{
		{Symbol: "USDX", Issuer: keypair.MustRandom().Address(), Supply: decimal.NewFromInt(1000000), Precision: 7},
		{Symbol: "XLM", Native: true, Precision: 7},
	} {
		if err := s.UpsertCurrency(ctx, c); err != nil {
			t.Fatalf("UpsertCurrency failed: %v", err)
		}
	}

	f := &fixture{
		store:   s,
		ledger:  newFakeLedger(),
		notes:   &recordingNotifier{},
		journal: &recordingJournal{},
		sealer:  sealer,
	}

	operatorWallet, err := s.CreateWallet(ctx, store.CreateWalletParams{Name: "operator", Email: "ops@mox.test", Custodial: true})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	grandKp := keypair.MustRandom()
	f.grandSecret = grandKp.Seed()
	f.grandAccount = f.createAccount(t, operatorWallet.Id, "grand", grandKp.Address(), f.grandSecret)
	grandAddress, err := resolver.EncodeTaggedAddress(grandKp.Address(), resolver.GrandVaultTag)
	if err != nil {
		t.Fatalf("EncodeTaggedAddress failed: %v", err)
	}
	f.grand, err = s.CreateVault(ctx, store.CreateVaultParams{
		WalletId:     operatorWallet.Id,
		AccountId:    f.grandAccount.Id,
		Tag:          resolver.GrandVaultTag,
		Address:      grandAddress,
		IsGrandVault: true,
	})
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	operatorKp := keypair.MustRandom()
	f.operator = f.createAccount(t, operatorWallet.Id, "funding", operatorKp.Address(), operatorKp.Seed())

	f.orch, err = NewOrchestrator(Deps{
		Store:    s,
		Ledger:   f.ledger,
		Fees:     engine,
		Sealer:   sealer,
		Notifier: f.notes,
		Journal:  f.journal,
	}, Config{
		NativeSymbol:      "XLM",
		ExplorerURL:       "https://explorer.test/tx",
		CallTimeout:       time.Second,
		OperatorAccountId: f.operator.Id,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return f
}

// orchestratorOver builds a second orchestrator sharing the fixture's ledger
// over a different view of the store.
func (f *fixture) orchestratorOver(t *testing.T, s store.LedgerStore) *Orchestrator {
	t.Helper()
	engine, err := fees.NewEngine(testRates)
	if err != nil {
		t.Fatalf("Failed to create fee engine: %v", err)
	}
	orch, err := NewOrchestrator(Deps{
		Store:    s,
		Ledger:   f.ledger,
		Fees:     engine,
		Sealer:   f.sealer,
		Notifier: f.notes,
		Journal:  f.journal,
	}, Config{
		NativeSymbol:      "XLM",
		CallTimeout:       time.Second,
		OperatorAccountId: f.operator.Id,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return orch
}

func (f *fixture) createAccount(t *testing.T, walletId, name, address, secret string) *models.Account {
	t.Helper()
	sealed, err := f.sealer.Seal(secret)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	account, err := f.store.CreateAccount(context.Background(), store.CreateAccountParams{
		WalletId:     walletId,
		Name:         name,
		Address:      address,
		SealedSecret: sealed,
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return account
}

// newParty creates a wallet with an account and a vault under the given tag.
func (f *fixture) newParty(t *testing.T, email string, tag uint64) *party {
	t.Helper()
	ctx := context.Background()

	wallet, err := f.store.CreateWallet(ctx, store.CreateWalletParams{Name: email, Email: email, Custodial: true})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	kp := keypair.MustRandom()
	account := f.createAccount(t, wallet.Id, "main", kp.Address(), kp.Seed())
	address, err := resolver.EncodeTaggedAddress(f.grandAccount.Address, tag)
	if err != nil {
		t.Fatalf("EncodeTaggedAddress failed: %v", err)
	}
	vault, err := f.store.CreateVault(ctx, store.CreateVaultParams{
		WalletId:  wallet.Id,
		AccountId: f.grandAccount.Id,
		Tag:       tag,
		Address:   address,
	})
	if err != nil {
		t.Fatalf("CreateVault failed: %v", err)
	}
	return &party{wallet: wallet, account: account, vault: vault, secret: kp.Seed()}
}

// fund credits a vault through a settled seed transaction.
func (f *fixture) fund(t *testing.T, vaultId, currency, amount string) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.CreateTransaction(ctx, store.CreateTransactionParams{
		Type:     models.TypeBuy,
		Currency: currency,
		Amount:   decimal.RequireFromString(amount),
		Fee:      decimal.Zero,
		Rate:     decimal.Zero,
		Level:    models.LevelWallet,
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := f.store.CreditAsset(ctx, store.AssetMutation{
		VaultId:       vaultId,
		Currency:      currency,
		Amount:        decimal.RequireFromString(amount),
		TransactionId: tx.Id,
	}); err != nil {
		t.Fatalf("CreditAsset failed: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, vaultId, currency string) decimal.Decimal {
	t.Helper()
	asset, err := f.store.FindAsset(context.Background(), vaultId, currency)
	if err != nil {
		t.Fatalf("FindAsset failed: %v", err)
	}
	if asset == nil {
		return decimal.Zero
	}
	return asset.Balance
}

func (f *fixture) transaction(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	return tx
}

func expectBalance(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("expected %s balance %s, got %s", name, want, got)
	}
}

func storeTradeParams(buyer *party, reference string) store.CreateTradeParams {
	return store.CreateTradeParams{
		WalletId:    buyer.wallet.Id,
		Level:       models.LevelWallet,
		TradeType:   models.TradeBuy,
		Gateway:     "midtrans",
		Reference:   reference,
		Currency:    "USDX",
		Amount:      decimal.NewFromInt(25),
		Fee:         decimal.RequireFromString("0.25"),
		Rate:        decimal.NewFromInt(1),
		PayCurrency: "IDR",
		PayAmount:   decimal.NewFromInt(400000),
	}
}

func (f *fixture) reloadTrade(t *testing.T, id string) *models.Trade {
	t.Helper()
	trade, err := f.store.GetTradeById(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTradeById failed: %v", err)
	}
	return trade
}
