package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func scanVault(row rowScanner) (*models.Vault, error) {
	vault := &models.Vault{}
	err := row.Scan(&vault.Id, &vault.WalletId, &vault.AccountId, &vault.Tag, &vault.Address,
		&vault.IsGrandVault, &vault.CreatedAt)
	if err != nil {
		return nil, err
	}
	return vault, nil
}

func (s *Service) CreateVault(ctx context.Context, params store.CreateVaultParams) (*models.Vault, error) {
	if params.Tag == 0 {
		return nil, fmt.Errorf("vault tag must be non-zero")
	}

	vault, err := scanVault(s.db.QueryRowContext(ctx, queryInsertVault,
		uuid.New().String(), params.WalletId, params.AccountId, params.Tag, params.Address, params.IsGrandVault))
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	zap.L().Info("Created vault",
		zap.String("vault_id", vault.Id),
		zap.String("wallet_id", vault.WalletId),
		zap.Uint64("tag", vault.Tag),
		zap.Bool("grand_vault", vault.IsGrandVault))
	return vault, nil
}

func (s *Service) getVault(ctx context.Context, notFound error, query string, args ...any) (*models.Vault, error) {
	vault, err := scanVault(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return vault, nil
}

func (s *Service) GetVaultById(ctx context.Context, vaultId string) (*models.Vault, error) {
	return s.getVault(ctx, store.ErrVaultNotFound, queryGetVaultById, vaultId)
}

func (s *Service) GetVaultByTag(ctx context.Context, tag uint64) (*models.Vault, error) {
	return s.getVault(ctx, store.ErrVaultNotFound, queryGetVaultByTag, tag)
}

func (s *Service) GetVaultByWallet(ctx context.Context, walletId string) (*models.Vault, error) {
	return s.getVault(ctx, store.ErrVaultNotFound, queryGetVaultByWallet, walletId)
}

func (s *Service) GetGrandVault(ctx context.Context) (*models.Vault, error) {
	return s.getVault(ctx, store.ErrGrandVaultNotFound, queryGetGrandVault)
}

func (s *Service) TagExists(ctx context.Context, tag uint64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, queryTagExists, tag).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check tag: %w", err)
	}
	return exists, nil
}
