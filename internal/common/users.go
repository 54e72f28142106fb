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

package common

import (
	"context"
	"fmt"
	"strings"

	"mox-ledger-go/internal/store"

	"go.uber.org/zap"
)

// WalletInfo represents simplified wallet information for command-line utilities
type WalletInfo struct {
	Id     string
	Name   string
	Email  string
	Banned bool
}

// InitializeWallets retrieves wallets based on an optional email filter.
// If emailFilter is provided, returns the single wallet with that email.
// If emailFilter is empty, returns all wallets.
func InitializeWallets(ctx context.Context, dbService store.LedgerStore, emailFilter string, logger *zap.Logger) ([]WalletInfo, error) {
	var wallets []WalletInfo

	if emailFilter != "" {
		email := strings.ToLower(strings.TrimSpace(emailFilter))
		logger.Info("Looking up wallet by email", zap.String("email", email))
		wallet, err := dbService.GetWalletByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("wallet not found: %w", err)
		}
		wallets = append(wallets, WalletInfo{
			Id:     wallet.Id,
			Name:   wallet.Name,
			Email:  wallet.Email,
			Banned: wallet.Banned,
		})
	} else {
		all, err := dbService.GetWallets(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get wallets: %w", err)
		}
		for _, w := range all {
			wallets = append(wallets, WalletInfo{
				Id:     w.Id,
				Name:   w.Name,
				Email:  w.Email,
				Banned: w.Banned,
			})
		}
	}

	logger.Info("Retrieved wallets", zap.Int("count", len(wallets)))
	return wallets, nil
}
