package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet represents a user identity
type Wallet struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Custodial bool      `db:"custodial"`
	Banned    bool      `db:"banned"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// WalletDevice links a push token to a wallet
type WalletDevice struct {
	Id        string    `db:"id"`
	WalletId  string    `db:"wallet_id"`
	Platform  string    `db:"platform"`
	Token     string    `db:"token"`
	CreatedAt time.Time `db:"created_at"`
}

// Account represents one on-ledger keypair owned by a wallet.
// The snapshot fields mirror the ledger and are not authoritative.
type Account struct {
	Id              string          `db:"id"`
	WalletId        string          `db:"wallet_id"`
	Name            string          `db:"name"`
	Address         string          `db:"address"`
	Banned          bool            `db:"banned"`
	SnapshotBalance decimal.Decimal `db:"snapshot_balance"`
	SnapshotAssets  []AssetBalance  `db:"snapshot_assets"`
	SnapshotAt      *time.Time      `db:"snapshot_at"`
	CreatedAt       time.Time       `db:"created_at"`
}

// AssetBalance is one line of an account snapshot
type AssetBalance struct {
	Currency string          `json:"currency"`
	Issuer   string          `json:"issuer,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
}

// Vault is a wallet's off-chain identity keyed by a numeric tag
type Vault struct {
	Id           string    `db:"id"`
	WalletId     string    `db:"wallet_id"`
	AccountId    string    `db:"account_id"`
	Tag          uint64    `db:"tag"`
	Address      string    `db:"address"`
	IsGrandVault bool      `db:"is_grand_vault"`
	CreatedAt    time.Time `db:"created_at"`
}

// VaultAsset is the per currency balance of a vault (hot data)
type VaultAsset struct {
	Id                string          `db:"id"`
	VaultId           string          `db:"vault_id"`
	Currency          string          `db:"currency"`
	Balance           decimal.Decimal `db:"balance"`
	Version           int64           `db:"version"`
	LastTransactionId string          `db:"last_transaction_id"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// SupportedCurrency describes a currency the ledger can move
type SupportedCurrency struct {
	Symbol         string          `db:"symbol"`
	Issuer         string          `db:"issuer"`
	Native         bool            `db:"native"`
	Supply         decimal.Decimal `db:"supply"`
	SuppliedTokens decimal.Decimal `db:"supplied_tokens"`
	Precision      int             `db:"precision"`
}

// Transaction is the immutable record of one value movement attempt
type Transaction struct {
	Id              string            `db:"id"`
	Type            TransactionType   `db:"type"`
	Reason          string            `db:"reason"`
	Currency        string            `db:"currency"`
	Amount          decimal.Decimal   `db:"amount"`
	Fee             decimal.Decimal   `db:"fee"`
	Rate            decimal.Decimal   `db:"rate"`
	Category        string            `db:"category"`
	Level           Level             `db:"level"`
	SenderId        string            `db:"sender_id"`
	SenderAddress   string            `db:"sender_address"`
	ReceiverId      string            `db:"receiver_id"`
	ReceiverAddress string            `db:"receiver_address"`
	RecipientTag    uint64            `db:"recipient_tag"`
	Status          TransactionStatus `db:"status"`
	SagaState       SagaState         `db:"saga_state"`
	ExternalRef     string            `db:"external_ref"`
	ExternalError   string            `db:"external_error"`
	Attempts        int               `db:"attempts"`
	Hash            string            `db:"hash"`
	HashLink        string            `db:"hash_link"`
	Message         string            `db:"message"`
	ParentId        string            `db:"parent_id"`
	TradeId         string            `db:"trade_id"`
	CreatedAt       time.Time         `db:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"`
	FinalizedAt     *time.Time        `db:"finalized_at"`
}

// AmountToTransact is what the receiver side is credited on success.
func (t *Transaction) AmountToTransact() decimal.Decimal {
	return t.Amount.Sub(t.Fee)
}

// JournalEntry records one vault asset mutation against its transaction
type JournalEntry struct {
	Id            string          `db:"id"`
	TransactionId string          `db:"transaction_id"`
	VaultId       string          `db:"vault_id"`
	Currency      string          `db:"currency"`
	DebitAmount   decimal.Decimal `db:"debit_amount"`
	CreditAmount  decimal.Decimal `db:"credit_amount"`
	BalanceBefore decimal.Decimal `db:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Trade records a gateway funded purchase or sale
type Trade struct {
	Id                   string          `db:"id"`
	WalletId             string          `db:"wallet_id"`
	ReceiverAccountId    string          `db:"receiver_account_id"`
	Level                Level           `db:"level"`
	TradeType            TradeType       `db:"trade_type"`
	Gateway              string          `db:"gateway"`
	Reference            string          `db:"reference"`
	GatewayTransactionId string          `db:"gateway_transaction_id"`
	Currency             string          `db:"currency"`
	Amount               decimal.Decimal `db:"amount"`
	Fee                  decimal.Decimal `db:"fee"`
	Rate                 decimal.Decimal `db:"rate"`
	PayCurrency          string          `db:"pay_currency"`
	PayAmount            decimal.Decimal `db:"pay_amount"`
	Status               TradeStatus     `db:"status"`
	WebhookStatus        string          `db:"webhook_status"`
	GatewayError         string          `db:"gateway_error"`
	TransactionId        string          `db:"transaction_id"`
	Reason               string          `db:"reason"`
	RedirectURL          string          `db:"redirect_url"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// PendingCredit is a credit owed to an email that has no wallet yet
type PendingCredit struct {
	Id              string          `db:"id"`
	Email           string          `db:"email"`
	TransactionId   string          `db:"transaction_id"`
	SenderVaultId   string          `db:"sender_vault_id"`
	SenderAccountId string          `db:"sender_account_id"`
	Level           Level           `db:"level"`
	Currency        string          `db:"currency"`
	Amount          decimal.Decimal `db:"amount"`
	ClaimedBy       string          `db:"claimed_by"`
	ClaimedAt       *time.Time      `db:"claimed_at"`
	CreatedAt       time.Time       `db:"created_at"`
}
