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

package database

import (
	"context"
	"database/sql"
	"fmt"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

const defaultCASRetries = 5

type Service struct {
	db         *sql.DB
	casRetries int
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service, err := newService(db, cfg.CASRetries)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, err
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// newService wraps an open handle and makes sure the schema exists.
func newService(db *sql.DB, casRetries int) (*Service, error) {
	if casRetries <= 0 {
		casRetries = defaultCASRetries
	}
	service := &Service{db: db, casRetries: casRetries}
	if err := service.initSchema(); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		custodial BOOLEAN NOT NULL DEFAULT 1,
		banned BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS wallet_devices (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id) ON DELETE CASCADE,
		platform TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_devices_wallet ON wallet_devices(wallet_id);

	-- On-ledger keypairs; snapshot columns are a cache of the network view
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		name TEXT NOT NULL,
		address TEXT NOT NULL UNIQUE,
		sealed_secret TEXT NOT NULL,
		banned BOOLEAN NOT NULL DEFAULT 0,
		snapshot_balance REAL NOT NULL DEFAULT 0,
		snapshot_assets TEXT NOT NULL DEFAULT '[]',
		snapshot_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_wallet ON accounts(wallet_id);

	CREATE TABLE IF NOT EXISTS vaults (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL UNIQUE REFERENCES wallets(id),
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tag INTEGER NOT NULL UNIQUE,
		address TEXT NOT NULL,
		is_grand_vault BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vaults_single_grand ON vaults(is_grand_vault) WHERE is_grand_vault = 1;

	CREATE TABLE IF NOT EXISTS supported_currencies (
		symbol TEXT PRIMARY KEY,
		issuer TEXT NOT NULL DEFAULT '',
		native BOOLEAN NOT NULL DEFAULT 0,
		supply REAL NOT NULL DEFAULT 0,
		supplied_tokens REAL NOT NULL DEFAULT 0,
		precision INTEGER NOT NULL DEFAULT 7,
		CHECK (supplied_tokens <= supply OR native = 1)
	);

	-- Vault balances (hot data), guarded by the version column
	CREATE TABLE IF NOT EXISTS vault_assets (
		id TEXT PRIMARY KEY,
		vault_id TEXT NOT NULL REFERENCES vaults(id),
		currency TEXT NOT NULL,
		balance REAL NOT NULL DEFAULT 0 CHECK (balance >= 0),
		last_transaction_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(vault_id, currency)
	);

	-- Transactions (audit trail, never deleted)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		amount REAL NOT NULL,
		fee REAL NOT NULL DEFAULT 0,
		rate REAL NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL DEFAULT '',
		sender_address TEXT NOT NULL DEFAULT '',
		receiver_id TEXT NOT NULL DEFAULT '',
		receiver_address TEXT NOT NULL DEFAULT '',
		recipient_tag INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		saga_state TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		external_error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		hash TEXT NOT NULL DEFAULT '',
		hash_link TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		trade_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finalized_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_saga ON transactions(saga_state, updated_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_parent ON transactions(parent_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
	-- A parent has at most one refund that has not failed
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_live_refund ON transactions(parent_id)
		WHERE type = 'REFUND' AND status != 'FAILED';

	CREATE TABLE IF NOT EXISTS transaction_refs (
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (owner_type, owner_id, transaction_id)
	);

	-- Journal: one row per vault asset mutation
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		vault_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		debit_amount REAL DEFAULT 0,
		credit_amount REAL DEFAULT 0,
		balance_before REAL NOT NULL,
		balance_after REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_journal_transaction_id ON journal_entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_journal_vault_currency ON journal_entries(vault_id, currency);
	-- Each transaction credits or debits a vault at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_once ON journal_entries(transaction_id, vault_id, credit_amount > 0)
		WHERE transaction_id != '';

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		receiver_account_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		gateway TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		gateway_transaction_id TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		amount REAL NOT NULL,
		fee REAL NOT NULL DEFAULT 0,
		rate REAL NOT NULL DEFAULT 0,
		pay_currency TEXT NOT NULL DEFAULT '',
		pay_amount REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		webhook_status TEXT,
		gateway_error TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		redirect_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status, updated_at);

	CREATE TABLE IF NOT EXISTS pending_credits (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		transaction_id TEXT NOT NULL UNIQUE,
		sender_vault_id TEXT NOT NULL DEFAULT '',
		sender_account_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount REAL NOT NULL,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pending_credits_email ON pending_credits(email);
	`

	_, err := s.db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func checkAffected(result sql.Result, errNone error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errNone
	}
	return nil
}
