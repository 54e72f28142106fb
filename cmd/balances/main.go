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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/database"
	"mox-ledger-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalWallets       int
	totalBalances      int
	walletsWithBalance int
}

func printBalances(report *common.Report, assets []models.VaultAsset) {
	for i, asset := range assets {
		report.Item(i == len(assets)-1, "%s (v%d, last_tx: %s, updated: %s)",
			common.Balance(asset.Currency, asset.Balance),
			asset.Version,
			common.ShortId(asset.LastTransactionId),
			asset.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printAccounts(report *common.Report, accounts []models.Account) {
	for i, account := range accounts {
		isLast := i == len(accounts)-1
		snapshot := "never"
		if account.SnapshotAt != nil {
			snapshot = account.SnapshotAt.Format("2006-01-02 15:04:05")
		}
		report.Item(isLast, "account %-8s %s (native %s, snapshot: %s)",
			account.Name,
			account.Address,
			account.SnapshotBalance.String(),
			snapshot)
		for _, asset := range account.SnapshotAssets {
			report.Detail(isLast, "%s", common.Balance(asset.Currency, asset.Balance))
		}
	}
}

func printWalletHeader(report *common.Report, wallet common.WalletInfo, vault *models.Vault, balanceCount int) {
	status := ""
	if wallet.Banned {
		status = " [BANNED]"
	}
	report.Box(fmt.Sprintf("Wallet: %s (%s)%s", wallet.Name, wallet.Email, status),
		"ID: "+wallet.Id,
		fmt.Sprintf("Vault: %s (tag %d)", vault.Address, vault.Tag),
		fmt.Sprintf("Assets: %d", balanceCount))
}

func processWallet(ctx context.Context, report *common.Report, wallet common.WalletInfo, dbService *database.Service, showAccounts bool) (int, error) {
	vault, err := dbService.GetVaultByWallet(ctx, wallet.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to get vault: %w", err)
	}
	assets, err := dbService.GetVaultAssets(ctx, vault.Id)
	if err != nil {
		return 0, fmt.Errorf("failed to get balances: %w", err)
	}

	if len(assets) == 0 && !showAccounts {
		return 0, nil
	}

	printWalletHeader(report, wallet, vault, len(assets))
	printBalances(report, assets)

	if showAccounts {
		accounts, err := dbService.GetWalletAccounts(ctx, wallet.Id)
		if err != nil {
			return len(assets), fmt.Errorf("failed to get accounts: %w", err)
		}
		report.Divider()
		printAccounts(report, accounts)
	}

	return len(assets), nil
}

func processWalletsAndGenerateReport(ctx context.Context, report *common.Report, wallets []common.WalletInfo, dbService *database.Service, showAccounts bool, logger *zap.Logger) balanceStats {
	stats := balanceStats{}

	for _, wallet := range wallets {
		stats.totalWallets++

		balanceCount, err := processWallet(ctx, report, wallet, dbService, showAccounts)
		if err != nil {
			logger.Error("Failed to process wallet",
				zap.String("wallet_id", wallet.Id),
				zap.String("wallet_name", wallet.Name),
				zap.Error(err))
			continue
		}

		if balanceCount > 0 {
			stats.walletsWithBalance++
			stats.totalBalances += balanceCount
		}
	}

	return stats
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	emailFlag := flag.String("email", "", "Filter by specific wallet email (optional)")
	accountsFlag := flag.Bool("accounts", false, "Also print cached account snapshots")
	flag.Parse()

	logger.Info("Starting balance query")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Read-only, so the network and gateways are not needed
	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	wallets, err := common.InitializeWallets(ctx, dbService, *emailFlag, logger)
	if err != nil {
		logger.Fatal("Failed to initialize wallets", zap.Error(err))
	}

	report := common.NewReport(os.Stdout)
	report.Header("WALLET BALANCE REPORT")

	stats := processWalletsAndGenerateReport(ctx, report, wallets, dbService, *accountsFlag, logger)

	report.Footer("SUMMARY: %d wallets with balances (%d total balances across %d wallets queried)",
		stats.walletsWithBalance, stats.totalBalances, stats.totalWallets)

	logger.Info("Balance query completed",
		zap.Int("wallets_queried", stats.totalWallets),
		zap.Int("wallets_with_balances", stats.walletsWithBalance),
		zap.Int("total_balances", stats.totalBalances))
}
