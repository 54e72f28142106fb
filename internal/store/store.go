package store

import (
	"context"
	"errors"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrWalletNotFound      = failure.New(failure.NotFound, "wallet not found")
	ErrAccountNotFound     = failure.New(failure.NotFound, "account not found")
	ErrVaultNotFound       = failure.New(failure.NotFound, "vault not found")
	ErrGrandVaultNotFound  = failure.New(failure.NotFound, "grand vault not configured")
	ErrCurrencyNotFound    = failure.New(failure.UnsupportedCurrency, "currency not supported")
	ErrTransactionNotFound = failure.New(failure.NotFound, "transaction not found")
	ErrTradeNotFound       = failure.New(failure.NotFound, "trade not found")
	ErrInsufficientFunds   = failure.New(failure.InsufficientFunds, "insufficient funds")
	ErrSupplyExceeded      = failure.New(failure.SupplyExceeded, "issuance would exceed currency supply")
	ErrDuplicateEvent      = failure.New(failure.DuplicateEvent, "event already processed")

	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrTransactionFinalized   = errors.New("transaction already finalized")
	ErrSagaStateMismatch      = errors.New("saga state changed concurrently")
	ErrAlreadyClaimed         = errors.New("pending credit already claimed")
	ErrAlreadyApplied         = errors.New("vault already mutated for transaction")
	ErrRefundInFlight         = errors.New("refund already in flight")
	ErrWalletHasHistory       = errors.New("wallet references ledger history")
	ErrDuplicateEmail         = failure.New(failure.Validation, "email already registered")
)

// CreateWalletParams contains the parameters for creating a wallet.
type CreateWalletParams struct {
	Name      string
	Email     string
	Custodial bool
}

// CreateAccountParams contains the parameters for storing an on-ledger account.
type CreateAccountParams struct {
	WalletId     string
	Name         string
	Address      string
	SealedSecret string
}

// CreateVaultParams contains the parameters for creating a vault.
type CreateVaultParams struct {
	WalletId     string
	AccountId    string
	Tag          uint64
	Address      string
	IsGrandVault bool
}

// AssetMutation describes one credit or debit of a vault asset. TransactionId
// names the audit record the journal entry is written against.
type AssetMutation struct {
	VaultId       string
	Currency      string
	Amount        decimal.Decimal
	TransactionId string
}

// CreateTransactionParams captures a new PENDING transaction.
type CreateTransactionParams struct {
	Type            models.TransactionType
	Reason          string
	Currency        string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Rate            decimal.Decimal
	Category        string
	Level           models.Level
	SenderId        string
	SenderAddress   string
	ReceiverId      string
	ReceiverAddress string
	RecipientTag    uint64
	ParentId        string
	TradeId         string
}

// FinalizeParams moves a PENDING transaction to a terminal status.
type FinalizeParams struct {
	TransactionId string
	Status        models.TransactionStatus
	Hash          string
	HashLink      string
	Message       string
	SagaState     models.SagaState
}

// CreateTradeParams captures a new gateway funded trade.
type CreateTradeParams struct {
	WalletId             string
	ReceiverAccountId    string
	Level                models.Level
	TradeType            models.TradeType
	Gateway              string
	Reference            string
	GatewayTransactionId string
	Currency             string
	Amount               decimal.Decimal
	Fee                  decimal.Decimal
	Rate                 decimal.Decimal
	PayCurrency          string
	PayAmount            decimal.Decimal
	Reason               string
	RedirectURL          string
}

// CreatePendingCreditParams captures a credit owed to an unregistered email.
type CreatePendingCreditParams struct {
	Email           string
	TransactionId   string
	SenderVaultId   string
	SenderAccountId string
	Level           models.Level
	Currency        string
	Amount          decimal.Decimal
}

// LedgerStore defines the contract that every persistence backend must satisfy.
// It offers atomic per-entity operations only; there are no cross-vault transactions.
type LedgerStore interface {
	// --- Wallets ---
	CreateWallet(ctx context.Context, params CreateWalletParams) (*models.Wallet, error)
	GetWalletById(ctx context.Context, walletId string) (*models.Wallet, error)
	GetWalletByEmail(ctx context.Context, email string) (*models.Wallet, error)
	GetWallets(ctx context.Context) ([]models.Wallet, error)
	SetWalletBanned(ctx context.Context, walletId string, banned bool) error
	DeleteWallet(ctx context.Context, walletId string) error
	RegisterDevice(ctx context.Context, walletId, platform, token string) error
	GetDeviceTokens(ctx context.Context, walletId string) ([]string, error)

	// --- Accounts ---
	CreateAccount(ctx context.Context, params CreateAccountParams) (*models.Account, error)
	GetAccountById(ctx context.Context, accountId string) (*models.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (*models.Account, error)
	GetWalletAccounts(ctx context.Context, walletId string) ([]models.Account, error)
	GetAccountSecret(ctx context.Context, accountId string) (string, error)
	SetAccountBanned(ctx context.Context, accountId string, banned bool) error
	UpdateAccountSnapshot(ctx context.Context, accountId string, native decimal.Decimal, assets []models.AssetBalance) error

	// --- Vaults ---
	CreateVault(ctx context.Context, params CreateVaultParams) (*models.Vault, error)
	GetVaultById(ctx context.Context, vaultId string) (*models.Vault, error)
	GetVaultByTag(ctx context.Context, tag uint64) (*models.Vault, error)
	GetVaultByWallet(ctx context.Context, walletId string) (*models.Vault, error)
	GetGrandVault(ctx context.Context) (*models.Vault, error)
	TagExists(ctx context.Context, tag uint64) (bool, error)

	// --- Currencies ---
	UpsertCurrency(ctx context.Context, currency models.SupportedCurrency) error
	GetCurrency(ctx context.Context, symbol string) (*models.SupportedCurrency, error)
	GetCurrencies(ctx context.Context) ([]models.SupportedCurrency, error)
	ReserveSupply(ctx context.Context, symbol string, amount decimal.Decimal) error
	ReleaseSupply(ctx context.Context, symbol string, amount decimal.Decimal) error

	// --- Vault assets ---
	FindAsset(ctx context.Context, vaultId, currency string) (*models.VaultAsset, error)
	GetVaultAssets(ctx context.Context, vaultId string) ([]models.VaultAsset, error)
	CreditAsset(ctx context.Context, m AssetMutation) (*models.JournalEntry, error)
	DebitAsset(ctx context.Context, m AssetMutation) (*models.JournalEntry, error)
	GetJournal(ctx context.Context, transactionId string) ([]models.JournalEntry, error)
	ReconcileVaultAsset(ctx context.Context, vaultId, currency string) error

	// --- Transactions ---
	CreateTransaction(ctx context.Context, params CreateTransactionParams) (*models.Transaction, error)
	GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error)
	FinalizeTransaction(ctx context.Context, params FinalizeParams) error
	AdvanceSaga(ctx context.Context, transactionId string, from, to models.SagaState) error
	UpdateTransactionFee(ctx context.Context, transactionId string, fee, rate decimal.Decimal) error
	UpdateTransactionReceiver(ctx context.Context, transactionId, receiverId, receiverAddress string, tag uint64) error
	SetExternalRef(ctx context.Context, transactionId, ref string) error
	RecordExternalError(ctx context.Context, transactionId, message string) error
	AppendTransactionRef(ctx context.Context, ownerType, ownerId, transactionId string) error
	GetTransactionRefs(ctx context.Context, ownerType, ownerId string) ([]string, error)
	ListStuckTransactions(ctx context.Context, states []models.SagaState, olderThan time.Time, limit int) ([]models.Transaction, error)
	ListRefunds(ctx context.Context, parentId string) ([]models.Transaction, error)
	GetTransactionHistory(ctx context.Context, ownerType, ownerId string, limit, offset int) ([]models.Transaction, error)

	// --- Trades ---
	CreateTrade(ctx context.Context, params CreateTradeParams) (*models.Trade, error)
	GetTradeById(ctx context.Context, tradeId string) (*models.Trade, error)
	GetTradeByReference(ctx context.Context, reference string) (*models.Trade, error)
	MarkWebhookStatus(ctx context.Context, reference, status string) (*models.Trade, error)
	ClearWebhookStatus(ctx context.Context, reference, status string) error
	SetTradeStatus(ctx context.Context, tradeId string, status models.TradeStatus) error
	AttachTradeTransaction(ctx context.Context, tradeId, transactionId string) error
	SetTradeGatewayRef(ctx context.Context, tradeId, ref string) error
	RecordTradeError(ctx context.Context, tradeId, message string) error
	GetTradeByGatewayRef(ctx context.Context, gateway, ref string) (*models.Trade, error)
	ListStaleTrades(ctx context.Context, olderThan time.Time, limit int) ([]models.Trade, error)

	// --- Pending credits ---
	CreatePendingCredit(ctx context.Context, params CreatePendingCreditParams) (*models.PendingCredit, error)
	GetPendingCreditsByEmail(ctx context.Context, email string) ([]models.PendingCredit, error)
	FindPendingCredit(ctx context.Context, transactionId string) (*models.PendingCredit, error)
	ClaimPendingCredit(ctx context.Context, creditId, claimedBy string) error
	ReleasePendingCredit(ctx context.Context, creditId string) error
	DeletePendingCredit(ctx context.Context, creditId string) error

	// --- Lifecycle ---
	Close()
}
