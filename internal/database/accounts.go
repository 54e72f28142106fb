package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanAccount(row rowScanner) (*models.Account, error) {
	account := &models.Account{}
	var assetsJson string
	err := row.Scan(&account.Id, &account.WalletId, &account.Name, &account.Address, &account.Banned,
		&account.SnapshotBalance, &assetsJson, &account.SnapshotAt, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	if assetsJson != "" {
		if err := json.Unmarshal([]byte(assetsJson), &account.SnapshotAssets); err != nil {
			return nil, fmt.Errorf("failed to decode account snapshot: %w", err)
		}
	}
	return account, nil
}

func (s *Service) CreateAccount(ctx context.Context, params store.CreateAccountParams) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, queryInsertAccount,
		uuid.New().String(), params.WalletId, params.Name, params.Address, params.SealedSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	zap.L().Info("Created account",
		zap.String("account_id", account.Id),
		zap.String("wallet_id", account.WalletId),
		zap.String("address", account.Address))
	return account, nil
}

func (s *Service) getAccount(ctx context.Context, query, arg string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *Service) GetAccountById(ctx context.Context, accountId string) (*models.Account, error) {
	return s.getAccount(ctx, queryGetAccountById, accountId)
}

func (s *Service) GetAccountByAddress(ctx context.Context, address string) (*models.Account, error) {
	return s.getAccount(ctx, queryGetAccountByAddress, address)
}

func (s *Service) GetWalletAccounts(ctx context.Context, walletId string) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, queryGetWalletAccounts, walletId)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

// GetAccountSecret returns the sealed secret exactly as stored.
func (s *Service) GetAccountSecret(ctx context.Context, accountId string) (string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, queryGetAccountSecret, accountId).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account secret: %w", err)
	}
	return sealed, nil
}

func (s *Service) SetAccountBanned(ctx context.Context, accountId string, banned bool) error {
	result, err := s.db.ExecContext(ctx, querySetAccountBanned, banned, accountId)
	if err != nil {
		return fmt.Errorf("failed to update account ban flag: %w", err)
	}
	return checkAffected(result, store.ErrAccountNotFound)
}

func (s *Service) UpdateAccountSnapshot(ctx context.Context, accountId string, native decimal.Decimal, assets []models.AssetBalance) error {
	if assets == nil {
		assets = []models.AssetBalance{}
	}
	assetsJson, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("failed to encode account snapshot: %w", err)
	}

	result, err := s.db.ExecContext(ctx, queryUpdateAccountSnapshot, native.String(), string(assetsJson), time.Now().UTC(), accountId)
	if err != nil {
		return fmt.Errorf("failed to update account snapshot: %w", err)
	}
	if err := checkAffected(result, store.ErrAccountNotFound); err != nil {
		return err
	}

	zap.L().Debug("Updated account snapshot",
		zap.String("account_id", accountId),
		zap.String("native_balance", native.String()),
		zap.Int("assets", len(assets)))
	return nil
}
