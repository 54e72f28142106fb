package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

func scanWallet(row rowScanner) (*models.Wallet, error) {
	wallet := &models.Wallet{}
	err := row.Scan(&wallet.Id, &wallet.Name, &wallet.Email, &wallet.Custodial, &wallet.Banned,
		&wallet.CreatedAt, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *Service) CreateWallet(ctx context.Context, params store.CreateWalletParams) (*models.Wallet, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryInsertWallet,
		uuid.New().String(), params.Name, email, params.Custodial))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	zap.L().Info("Created wallet", zap.String("wallet_id", wallet.Id), zap.String("email", wallet.Email))
	return wallet, nil
}

func (s *Service) GetWalletById(ctx context.Context, walletId string) (*models.Wallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWalletById, walletId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

func (s *Service) GetWalletByEmail(ctx context.Context, email string) (*models.Wallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWalletByEmail, strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet by email: %w", err)
	}
	return wallet, nil
}

func (s *Service) GetWallets(ctx context.Context) ([]models.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, queryGetWallets)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer closeRows(rows)

	var wallets []models.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *wallet)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during wallet row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating wallet rows: %w", err)
	}
	return wallets, nil
}

func (s *Service) SetWalletBanned(ctx context.Context, walletId string, banned bool) error {
	result, err := s.db.ExecContext(ctx, querySetWalletBanned, banned, walletId)
	if err != nil {
		return fmt.Errorf("failed to update wallet ban flag: %w", err)
	}
	if err := checkAffected(result, store.ErrWalletNotFound); err != nil {
		return err
	}

	zap.L().Info("Updated wallet ban flag", zap.String("wallet_id", walletId), zap.Bool("banned", banned))
	return nil
}

// DeleteWallet removes a wallet that never touched the ledger. Wallets with
// history are kept for audit and must be banned instead.
func (s *Service) DeleteWallet(ctx context.Context, walletId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx, queryWalletHistoryCount, walletId, walletId).Scan(&refs); err != nil {
		return fmt.Errorf("failed to count wallet history: %w", err)
	}
	if refs > 0 {
		return store.ErrWalletHasHistory
	}

	for _, query := range []string{queryDeleteWalletDevices, queryDeleteWalletAssets, queryDeleteWalletVault, queryDeleteWalletAccounts} {
		if _, err := tx.ExecContext(ctx, query, walletId); err != nil {
			return fmt.Errorf("failed to delete wallet dependents: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, queryDeleteWallet, walletId)
	if err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	if err := checkAffected(result, store.ErrWalletNotFound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	zap.L().Info("Deleted wallet", zap.String("wallet_id", walletId))
	return nil
}

func (s *Service) RegisterDevice(ctx context.Context, walletId, platform, token string) error {
	if _, err := s.db.ExecContext(ctx, queryInsertDevice, uuid.New().String(), walletId, platform, token); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	zap.L().Debug("Registered device", zap.String("wallet_id", walletId), zap.String("platform", platform))
	return nil
}

func (s *Service) GetDeviceTokens(ctx context.Context, walletId string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryGetDeviceTokens, walletId)
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}
	defer closeRows(rows)

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
