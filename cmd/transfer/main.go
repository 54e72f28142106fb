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
	"strings"

	"mox-ledger-go/internal/common"
	"mox-ledger-go/internal/config"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/transfer"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type transferFlags struct {
	email     string
	account   string
	recipient string
	currency  string
	amount    decimal.Decimal
	reason    string
	category  fees.Category
}

func parseAndValidateFlags() (*transferFlags, error) {
	emailFlag := flag.String("email", "", "Sender wallet email (required)")
	accountFlag := flag.String("account", "", "Sender account name; sends at account level when set")
	toFlag := flag.String("to", "", "Recipient email, vault tag, M-address or account address (required)")
	currencyFlag := flag.String("currency", "", "Currency symbol, e.g. USDX (required)")
	amountFlag := flag.String("amount", "", "Amount to send (required)")
	reasonFlag := flag.String("reason", "", "Free text stored with the transaction")
	categoryFlag := flag.String("category", "", "Fee category override, e.g. RETAIL")
	flag.Parse()

	if *emailFlag == "" || *toFlag == "" || *currencyFlag == "" || *amountFlag == "" {
		return nil, fmt.Errorf("required flags: --email, --to, --currency, --amount")
	}

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	var category fees.Category
	if *categoryFlag != "" {
		category, err = fees.ParseCategory(strings.ToUpper(*categoryFlag))
		if err != nil {
			return nil, err
		}
	}

	return &transferFlags{
		email:     *emailFlag,
		account:   *accountFlag,
		recipient: *toFlag,
		currency:  strings.ToUpper(*currencyFlag),
		amount:    amount,
		reason:    *reasonFlag,
		category:  category,
	}, nil
}

// buildRequest resolves the sender wallet and, at account level, the named
// account.
func buildRequest(ctx context.Context, services *common.Services, f *transferFlags) (transfer.Request, error) {
	wallets, err := services.LedgerService.GetWallets(ctx, f.email)
	if err != nil {
		return transfer.Request{}, fmt.Errorf("sender not found: %w", err)
	}
	sender := wallets[0]

	req := transfer.Request{
		Level:          models.LevelWallet,
		SenderWalletId: sender.Id,
		Recipient:      f.recipient,
		Currency:       f.currency,
		Amount:         f.amount,
		Reason:         f.reason,
		Category:       f.category,
	}
	if f.account == "" {
		return req, nil
	}

	accounts, err := services.DbService.GetWalletAccounts(ctx, sender.Id)
	if err != nil {
		return req, fmt.Errorf("failed to get accounts: %w", err)
	}
	for _, account := range accounts {
		if account.Name == f.account {
			req.Level = models.LevelAccount
			req.SenderAccountId = account.Id
			return req, nil
		}
	}
	return req, fmt.Errorf("wallet %s has no account named %q", f.email, f.account)
}

func printResult(req transfer.Request, result *models.TransferResult) {
	report := common.NewReport(os.Stdout)
	if result.Success {
		report.Header("TRANSFER COMPLETE")
	} else {
		report.Header("TRANSFER NOT COMPLETED")
	}
	report.Field("Level", req.Level)
	report.Field("Recipient", req.Recipient)
	report.Field("Amount", req.Amount.String()+" "+req.Currency)
	if result.TransactionId != "" {
		report.Field("Transaction", result.TransactionId)
		report.Field("Status", result.Status)
		report.Field("Fee", result.Fee)
	}
	if result.Pending {
		report.Line("Recipient is not registered yet; the credit settles when they sign up")
	}
	if result.HashLink != "" {
		report.Field("Explorer", result.HashLink)
	}
	if !result.Success {
		report.Field("Reason", result.Reason)
		report.Field("Error", result.Error)
	}
	report.Close()
	report.Line("")
}

func main() {
	ctx := models.WithRequestContext(context.Background(), &models.RequestContext{Source: "cli"})

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	flags, err := parseAndValidateFlags()
	if err != nil {
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	req, err := buildRequest(ctx, services, flags)
	if err != nil {
		zap.L().Fatal("Failed to build transfer", zap.Error(err))
	}

	result, err := services.LedgerService.Transfer(ctx, req)
	if err != nil {
		zap.L().Fatal("Transfer failed", zap.Error(err))
	}
	printResult(req, result)

	if !result.Success {
		zap.L().Warn("Transfer not completed",
			zap.String("transaction_id", result.TransactionId),
			zap.String("reason", result.Reason))
		return
	}
	zap.L().Info("Transfer completed",
		zap.String("transaction_id", result.TransactionId),
		zap.String("status", result.Status))
}
