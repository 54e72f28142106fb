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
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"mox-ledger-go/internal/api"
	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/failure"

	"go.uber.org/zap"
)

type walletRequest struct {
	name  string
	email string
}

type creationStats struct {
	created       int
	settledCount  int
	failedWallets []string
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

// readBatch parses "name,email" lines. Blank lines and lines starting with #
// are skipped.
func readBatch(path string) ([]walletRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	var requests []walletRequest
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, email, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected name,email", path, line)
		}
		requests = append(requests, walletRequest{name: strings.TrimSpace(name), email: strings.TrimSpace(email)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return requests, nil
}

func printWallet(result *api.WalletResult) {
	report := common.NewReport(os.Stdout)
	report.Header("WALLET CREATED")
	report.Field("ID", result.Wallet.Id)
	report.Field("Name", result.Wallet.Name)
	report.Field("Email", result.Wallet.Email)
	report.Field("Account", result.Account.Address)
	report.Field("Vault", fmt.Sprintf("%s (tag %d)", result.Vault.Address, result.Vault.Tag))
	for i, settled := range result.Settled {
		report.Item(i == len(result.Settled)-1, "pending credit %s: %s %s",
			settled.TransactionId,
			settled.Amount.Sub(settled.Fee).String(),
			settled.Status)
	}
	report.Close()
}

func createWallets(ctx context.Context, service *api.LedgerService, requests []walletRequest, custodial bool) creationStats {
	var stats creationStats
	for _, req := range requests {
		if err := validateName(req.name); err != nil {
			zap.L().Error("Invalid name", zap.String("email", req.email), zap.Error(err))
			stats.failedWallets = append(stats.failedWallets, req.email)
			continue
		}

		zap.L().Info("Creating wallet",
			zap.String("name", req.name),
			zap.String("email", req.email))

		result, err := service.CreateWallet(ctx, req.name, req.email, custodial)
		if err != nil {
			if errors.Is(err, failure.ErrValidation) {
				zap.L().Error("Wallet rejected", zap.String("email", req.email), zap.String("reason", failure.Message(err)))
			} else {
				zap.L().Error("Failed to create wallet", zap.String("email", req.email), zap.Error(err))
			}
			stats.failedWallets = append(stats.failedWallets, req.email)
			continue
		}

		printWallet(result)
		stats.created++
		stats.settledCount += len(result.Settled)
	}
	return stats
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	nameFlag := flag.String("name", "", "Wallet owner's full name")
	emailFlag := flag.String("email", "", "Wallet owner's email address")
	batchFlag := flag.String("batch", "", "File of name,email lines to create in one run")
	custodialFlag := flag.Bool("custodial", true, "Hold the wallet's keys in the ledger")
	flag.Parse()

	var requests []walletRequest
	switch {
	case *batchFlag != "":
		batch, err := readBatch(*batchFlag)
		if err != nil {
			zap.L().Fatal("Failed to read batch", zap.Error(err))
		}
		requests = batch
	case *nameFlag != "" && *emailFlag != "":
		requests = []walletRequest{{name: *nameFlag, email: *emailFlag}}
	default:
		zap.L().Fatal("Either --batch or both --name and --email are required")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	stats := createWallets(ctx, services.LedgerService, requests, *custodialFlag)

	report := common.NewReport(os.Stdout)
	report.Header("WALLET CREATION SUMMARY")
	report.Field("Requested", len(requests))
	report.Field("Created", stats.created)
	report.Field("Pending settled", stats.settledCount)
	report.Field("Failed", len(stats.failedWallets))
	if len(stats.failedWallets) > 0 {
		report.Field("Failed Wallets", strings.Join(stats.failedWallets, ", "))
	}
	report.Close()
	report.Line("")

	if len(stats.failedWallets) > 0 {
		zap.L().Warn("Some wallets were not created",
			zap.Int("created", stats.created),
			zap.Strings("failed_wallets", stats.failedWallets))
		return
	}
	zap.L().Info("Wallets created successfully", zap.Int("created", stats.created))
}
