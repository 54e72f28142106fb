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
	"errors"
	"fmt"
	"time"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanVaultAsset(row rowScanner) (*models.VaultAsset, error) {
	asset := &models.VaultAsset{}
	err := row.Scan(&asset.Id, &asset.VaultId, &asset.Currency, &asset.Balance,
		&asset.LastTransactionId, &asset.Version, &asset.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// FindAsset returns the vault's asset row, or nil when the vault never held
// the currency.
func (s *Service) FindAsset(ctx context.Context, vaultId, currency string) (*models.VaultAsset, error) {
	asset, err := scanVaultAsset(s.db.QueryRowContext(ctx, queryGetVaultAsset, vaultId, currency))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		zap.L().Error("Failed to get vault asset", zap.String("vault_id", vaultId), zap.String("currency", currency), zap.Error(err))
		return nil, fmt.Errorf("failed to get vault asset: %w", err)
	}
	return asset, nil
}

func (s *Service) GetVaultAssets(ctx context.Context, vaultId string) ([]models.VaultAsset, error) {
	rows, err := s.db.QueryContext(ctx, queryGetVaultAssets, vaultId)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault assets: %w", err)
	}
	defer closeRows(rows)

	var assets []models.VaultAsset
	for rows.Next() {
		asset, err := scanVaultAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vault asset: %w", err)
		}
		assets = append(assets, *asset)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during vault asset row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating vault asset rows: %w", err)
	}
	return assets, nil
}

// CreditAsset adds m.Amount to the vault asset, creating the row on first use.
func (s *Service) CreditAsset(ctx context.Context, m store.AssetMutation) (*models.JournalEntry, error) {
	if !m.Amount.IsPositive() {
		return nil, fmt.Errorf("credit amount must be positive, got %s", m.Amount.String())
	}
	return s.mutateAsset(ctx, m, m.Amount)
}

// DebitAsset removes m.Amount from the vault asset. The balance never goes
// negative; an absent row is treated as a zero balance.
func (s *Service) DebitAsset(ctx context.Context, m store.AssetMutation) (*models.JournalEntry, error) {
	if !m.Amount.IsPositive() {
		return nil, fmt.Errorf("debit amount must be positive, got %s", m.Amount.String())
	}
	return s.mutateAsset(ctx, m, m.Amount.Neg())
}

// mutateAsset applies delta under the row's version guard, retrying on a
// lost race up to casRetries times. A second mutation in the same direction
// for the same vault and transaction fails with store.ErrAlreadyApplied.
func (s *Service) mutateAsset(ctx context.Context, m store.AssetMutation, delta decimal.Decimal) (*models.JournalEntry, error) {
	var lastErr error
	for attempt := 1; attempt <= s.casRetries; attempt++ {
		entry, err := s.tryMutateAsset(ctx, m, delta)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return nil, err
		}
		lastErr = err
		zap.L().Debug("Vault asset version conflict, retrying",
			zap.String("vault_id", m.VaultId),
			zap.String("currency", m.Currency),
			zap.Int("attempt", attempt))
	}

	zap.L().Error("Vault asset update exhausted retries",
		zap.String("vault_id", m.VaultId),
		zap.String("currency", m.Currency),
		zap.Int("retries", s.casRetries))
	return nil, fmt.Errorf("vault asset update failed after %d attempts: %w", s.casRetries, lastErr)
}

func (s *Service) tryMutateAsset(ctx context.Context, m store.AssetMutation, delta decimal.Decimal) (*models.JournalEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	asset, err := scanVaultAsset(tx.QueryRowContext(ctx, queryGetVaultAsset, m.VaultId, m.Currency))
	if errors.Is(err, sql.ErrNoRows) {
		if delta.IsNegative() {
			return nil, store.ErrInsufficientFunds
		}
		asset = &models.VaultAsset{Id: uuid.New().String(), VaultId: m.VaultId, Currency: m.Currency, Balance: decimal.Zero, Version: 1}
		if _, err := tx.ExecContext(ctx, queryInsertVaultAsset, asset.Id, asset.VaultId, asset.Currency, "0", asset.Version); err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrConcurrentModification
			}
			return nil, fmt.Errorf("failed to create vault asset: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get vault asset: %w", err)
	}

	newBalance := asset.Balance.Add(delta)
	if newBalance.IsNegative() {
		zap.L().Warn("Insufficient vault balance",
			zap.String("vault_id", m.VaultId),
			zap.String("currency", m.Currency),
			zap.String("balance", asset.Balance.String()),
			zap.String("requested", delta.Abs().String()))
		return nil, store.ErrInsufficientFunds
	}

	entry := &models.JournalEntry{
		Id:            uuid.New().String(),
		TransactionId: m.TransactionId,
		VaultId:       m.VaultId,
		Currency:      m.Currency,
		DebitAmount:   decimal.Zero,
		CreditAmount:  decimal.Zero,
		BalanceBefore: asset.Balance,
		BalanceAfter:  newBalance,
		CreatedAt:     time.Now().UTC(),
	}
	if delta.IsNegative() {
		entry.DebitAmount = delta.Abs()
	} else {
		entry.CreditAmount = delta
	}

	_, err = tx.ExecContext(ctx, queryInsertJournalEntry,
		entry.Id, entry.TransactionId, entry.VaultId, entry.Currency,
		entry.DebitAmount.String(), entry.CreditAmount.String(),
		entry.BalanceBefore.String(), entry.BalanceAfter.String(), entry.CreatedAt)
	if isUniqueViolation(err) && m.TransactionId != "" {
		return nil, store.ErrAlreadyApplied
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert journal entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, queryUpdateVaultAsset, newBalance.String(), m.TransactionId, asset.Id, asset.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update vault asset: %w", err)
	}
	if err := checkAffected(result, store.ErrConcurrentModification); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Vault asset updated",
		zap.String("vault_id", m.VaultId),
		zap.String("currency", m.Currency),
		zap.String("transaction_id", m.TransactionId),
		zap.String("old_balance", asset.Balance.String()),
		zap.String("new_balance", newBalance.String()))
	return entry, nil
}

func (s *Service) GetJournal(ctx context.Context, transactionId string) ([]models.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetJournal, transactionId)
	if err != nil {
		return nil, fmt.Errorf("failed to get journal: %w", err)
	}
	defer closeRows(rows)

	var entries []models.JournalEntry
	for rows.Next() {
		var entry models.JournalEntry
		err := rows.Scan(&entry.Id, &entry.TransactionId, &entry.VaultId, &entry.Currency,
			&entry.DebitAmount, &entry.CreditAmount, &entry.BalanceBefore, &entry.BalanceAfter, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ReconcileVaultAsset verifies that the stored balance matches the sum of its journal
func (s *Service) ReconcileVaultAsset(ctx context.Context, vaultId, currency string) error {
	zap.L().Info("Reconciling vault asset", zap.String("vault_id", vaultId), zap.String("currency", currency))

	currentBalance := decimal.Zero
	asset, err := s.FindAsset(ctx, vaultId, currency)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}
	if asset != nil {
		currentBalance = asset.Balance
	}

	calculatedBalance, err := s.journalBalance(ctx, vaultId, currency)
	if err != nil {
		return fmt.Errorf("failed to calculate balance from journal: %w", err)
	}

	// Exact decimal comparison
	if !currentBalance.Equal(calculatedBalance) {
		zap.L().Error("Vault asset reconciliation failed",
			zap.String("vault_id", vaultId),
			zap.String("currency", currency),
			zap.String("current_balance", currentBalance.String()),
			zap.String("calculated_balance", calculatedBalance.String()),
			zap.String("difference", currentBalance.Sub(calculatedBalance).String()))
		return fmt.Errorf("balance mismatch: current=%s, calculated=%s", currentBalance.String(), calculatedBalance.String())
	}

	zap.L().Info("Vault asset reconciliation successful",
		zap.String("vault_id", vaultId),
		zap.String("currency", currency),
		zap.String("balance", currentBalance.String()))
	return nil
}

func (s *Service) journalBalance(ctx context.Context, vaultId, currency string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, queryReconcileVaultAsset, vaultId, currency)
	if err != nil {
		return decimal.Zero, err
	}
	defer closeRows(rows)

	balance := decimal.Zero
	for rows.Next() {
		var credit, debit decimal.Decimal
		if err := rows.Scan(&credit, &debit); err != nil {
			return decimal.Zero, err
		}
		balance = balance.Add(credit).Sub(debit)
	}
	return balance, rows.Err()
}
