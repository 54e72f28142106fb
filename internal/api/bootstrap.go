package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/store"

	"github.com/stellar/go/keypair"
	"go.uber.org/zap"
)

const (
	grandAccountName   = "grand"
	fundingAccountName = "funding"
)

// BootstrapParams describes the operator side of a fresh ledger. Secrets are
// optional; an empty one gets a generated keypair that still has to be funded
// on the network.
type BootstrapParams struct {
	Currencies    []models.SupportedCurrency
	OperatorName  string
	OperatorEmail string
	GrandSecret   string
	FundingSecret string
}

type BootstrapResult struct {
	OperatorWalletId string
	GrandAccountId   string
	GrandAddress     string
	GrandVaultId     string
	FundingAccountId string
	FundingAddress   string
}

// Bootstrap upserts the currencies and makes sure the operator wallet, the
// grand vault with its account and the funding account exist. Running it
// again changes nothing but the currencies.
func (s *LedgerService) Bootstrap(ctx context.Context, params BootstrapParams) (*BootstrapResult, error) {
	for _, currency := range params.Currencies {
		currency.Symbol = strings.ToUpper(currency.Symbol)
		if err := s.store.UpsertCurrency(ctx, currency); err != nil {
			return nil, fmt.Errorf("failed to upsert currency %s: %w", currency.Symbol, err)
		}
		zap.L().Info("Currency configured",
			zap.String("symbol", currency.Symbol),
			zap.Bool("native", currency.Native),
			zap.String("supply", currency.Supply.String()))
	}

	operator, err := s.operatorWallet(ctx, params)
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.GetWalletAccounts(ctx, operator.Id)
	if err != nil {
		return nil, err
	}

	result := &BootstrapResult{OperatorWalletId: operator.Id}

	grand, err := s.store.GetGrandVault(ctx)
	switch {
	case err == nil:
		account, err := s.store.GetAccountById(ctx, grand.AccountId)
		if err != nil {
			return nil, err
		}
		result.GrandAccountId, result.GrandAddress, result.GrandVaultId = account.Id, account.Address, grand.Id
	case errors.Is(err, failure.ErrNotFound):
		account, err := s.operatorAccount(ctx, operator.Id, accounts, grandAccountName, params.GrandSecret)
		if err != nil {
			return nil, err
		}
		address, err := resolver.EncodeTaggedAddress(account.Address, resolver.GrandVaultTag)
		if err != nil {
			return nil, err
		}
		vault, err := s.store.CreateVault(ctx, store.CreateVaultParams{
			WalletId:     operator.Id,
			AccountId:    account.Id,
			Tag:          resolver.GrandVaultTag,
			Address:      address,
			IsGrandVault: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create grand vault: %w", err)
		}
		zap.L().Info("Grand vault created", zap.String("vault_id", vault.Id), zap.String("address", vault.Address))
		result.GrandAccountId, result.GrandAddress, result.GrandVaultId = account.Id, account.Address, vault.Id
	default:
		return nil, err
	}

	funding, err := s.operatorAccount(ctx, operator.Id, accounts, fundingAccountName, params.FundingSecret)
	if err != nil {
		return nil, err
	}
	result.FundingAccountId, result.FundingAddress = funding.Id, funding.Address

	return result, nil
}

func (s *LedgerService) operatorWallet(ctx context.Context, params BootstrapParams) (*models.Wallet, error) {
	email := strings.ToLower(strings.TrimSpace(params.OperatorEmail))
	if email == "" {
		return nil, failure.New(failure.Validation, "operator email is required")
	}
	wallet, err := s.store.GetWalletByEmail(ctx, email)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, store.ErrWalletNotFound) {
		return nil, err
	}

	name := params.OperatorName
	if name == "" {
		name = "operator"
	}
	wallet, err = s.store.CreateWallet(ctx, store.CreateWalletParams{Name: name, Email: email, Custodial: true})
	if err != nil {
		return nil, err
	}
	zap.L().Info("Operator wallet created", zap.String("wallet_id", wallet.Id))
	return wallet, nil
}

// operatorAccount returns the operator account called name, creating it from
// secret (or a fresh keypair) when missing.
func (s *LedgerService) operatorAccount(ctx context.Context, walletId string, existing []models.Account, name, secret string) (*models.Account, error) {
	for i := range existing {
		if existing[i].Name == name {
			return &existing[i], nil
		}
	}

	if secret == "" {
		account, err := s.newAccount(ctx, walletId, name)
		if err != nil {
			return nil, err
		}
		zap.L().Warn("Generated operator account, fund it before use",
			zap.String("name", name),
			zap.String("address", account.Address))
		return account, nil
	}

	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, failure.Wrap(failure.Validation, err, "invalid %s account secret", name)
	}
	account, err := s.storeAccount(ctx, walletId, name, kp.Address(), kp.Seed())
	if err != nil {
		return nil, err
	}
	zap.L().Info("Imported operator account", zap.String("name", name), zap.String("address", account.Address))
	return account, nil
}
