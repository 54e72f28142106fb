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

package api

import (
	"context"
	"fmt"

	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetBalances returns the vault balances of a wallet together with the
// cached snapshots of its accounts
func (s *LedgerService) GetBalances(ctx context.Context, walletId string) (*models.WalletBalances, error) {
	if walletId == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	vault, err := s.store.GetVaultByWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}
	assets, err := s.store.GetVaultAssets(ctx, vault.Id)
	if err != nil {
		zap.L().Error("Failed to get vault assets", zap.String("wallet_id", walletId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve balances")
	}
	accounts, err := s.store.GetWalletAccounts(ctx, walletId)
	if err != nil {
		zap.L().Error("Failed to get wallet accounts", zap.String("wallet_id", walletId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve accounts")
	}

	result := &models.WalletBalances{
		WalletId: walletId,
		VaultTag: vault.Tag,
		Vault:    make([]models.VaultBalance, 0, len(assets)),
		Accounts: make([]models.AccountView, 0, len(accounts)),
	}
	for _, asset := range assets {
		result.Vault = append(result.Vault, models.VaultBalance{
			Currency: asset.Currency,
			Balance:  asset.Balance,
		})
	}
	for i := range accounts {
		result.Accounts = append(result.Accounts, *accountView(&accounts[i]))
	}

	return result, nil
}

func accountView(account *models.Account) *models.AccountView {
	assets := make([]models.AssetBalance, 0, len(account.SnapshotAssets)+1)
	if account.SnapshotAt != nil || account.SnapshotBalance.IsPositive() {
		assets = append(assets, models.AssetBalance{Currency: "native", Balance: account.SnapshotBalance})
	}
	assets = append(assets, account.SnapshotAssets...)
	return &models.AccountView{
		Id:         account.Id,
		Name:       account.Name,
		Address:    account.Address,
		Assets:     assets,
		SnapshotAt: account.SnapshotAt,
	}
}

// GetHistory returns paginated vault history for a wallet, newest first
func (s *LedgerService) GetHistory(ctx context.Context, walletId string, limit, offset int) ([]models.TransactionRecord, error) {
	if walletId == "" {
		return nil, fmt.Errorf("wallet_id is required")
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	vault, err := s.store.GetVaultByWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}
	transactions, err := s.store.GetTransactionHistory(ctx, models.RefOwnerVault, vault.Id, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get transaction history",
			zap.String("wallet_id", walletId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve transaction history")
	}

	result := make([]models.TransactionRecord, len(transactions))
	for i, tx := range transactions {
		amount := tx.Amount
		if tx.SenderId == vault.Id {
			amount = amount.Neg()
		} else {
			amount = amount.Sub(tx.Fee)
		}
		result[i] = models.TransactionRecord{
			Id:        tx.Id,
			Type:      string(tx.Type),
			Currency:  tx.Currency,
			Amount:    amount,
			Fee:       tx.Fee,
			Status:    string(tx.Status),
			HashLink:  tx.HashLink,
			Reason:    tx.Reason,
			CreatedAt: tx.CreatedAt,
		}
	}

	return result, nil
}

// AssetCheck is the reconciliation outcome of one vault asset.
type AssetCheck struct {
	Currency string
	Balance  decimal.Decimal
	Err      error
	Mirrored *decimal.Decimal // nil when no mirror is configured
}

// ReconcileWallet checks every asset of a wallet's vault against its journal
// and, when a mirror is configured, reports what the mirror holds.
func (s *LedgerService) ReconcileWallet(ctx context.Context, walletId string) ([]AssetCheck, error) {
	vault, err := s.store.GetVaultByWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}
	assets, err := s.store.GetVaultAssets(ctx, vault.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve vault assets: %w", err)
	}

	var mirrored map[string]decimal.Decimal
	if s.mirror != nil {
		mirrored, err = s.mirror.Balances(ctx, vault.Id)
		if err != nil {
			zap.L().Warn("Failed to read mirrored balances", zap.String("vault_id", vault.Id), zap.Error(err))
			mirrored = nil
		}
	}

	checks := make([]AssetCheck, 0, len(assets))
	for _, asset := range assets {
		check := AssetCheck{
			Currency: asset.Currency,
			Balance:  asset.Balance,
			Err:      s.store.ReconcileVaultAsset(ctx, vault.Id, asset.Currency),
		}
		if mirrored != nil {
			m := mirrored[asset.Currency]
			check.Mirrored = &m
			if !m.Equal(asset.Balance) {
				zap.L().Warn("Mirror drift",
					zap.String("vault_id", vault.Id),
					zap.String("currency", asset.Currency),
					zap.String("balance", asset.Balance.String()),
					zap.String("mirrored", m.String()))
			}
		}
		checks = append(checks, check)
	}
	return checks, nil
}
