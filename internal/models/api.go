package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VaultBalance represents a vault's balance for a specific currency
type VaultBalance struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// WalletBalances groups the authoritative vault balances with the cached account snapshots
type WalletBalances struct {
	WalletId string         `json:"wallet_id"`
	VaultTag uint64         `json:"vault_tag"`
	Vault    []VaultBalance `json:"vault"`
	Accounts []AccountView  `json:"accounts"`
}

// AccountView is the public projection of an account (no secret)
type AccountView struct {
	Id         string         `json:"id"`
	Name       string         `json:"name"`
	Address    string         `json:"address"`
	Assets     []AssetBalance `json:"assets"`
	SnapshotAt *time.Time     `json:"snapshot_at,omitempty"`
}

// TransactionRecord represents a transaction in a wallet's history
type TransactionRecord struct {
	Id        string          `json:"id"`
	Type      string          `json:"type"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Status    string          `json:"status"`
	HashLink  string          `json:"hash_link,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TransferResult represents the result of a transfer request
type TransferResult struct {
	Success       bool            `json:"success"`
	TransactionId string          `json:"transaction_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Fee           decimal.Decimal `json:"fee,omitempty"`
	Pending       bool            `json:"pending,omitempty"`
	HashLink      string          `json:"hash_link,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SettlementResult represents the result of processing a gateway event
type SettlementResult struct {
	Success       bool   `json:"success"`
	Reference     string `json:"reference,omitempty"`
	TradeStatus   string `json:"trade_status,omitempty"`
	TransactionId string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}
