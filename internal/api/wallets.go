package api

import (
	"context"
	"fmt"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/resolver"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"go.uber.org/zap"
)

// WalletResult is a freshly created wallet with its first account and vault.
type WalletResult struct {
	Wallet  *models.Wallet
	Account *models.Account
	Vault   *models.Vault
	Settled []*transfer.Result
}

// CreateWallet registers a wallet, gives it an on-ledger account and a vault
// under the grand vault account, then settles any transfers that were waiting
// for its email.
func (s *LedgerService) CreateWallet(ctx context.Context, name, email string, custodial bool) (*WalletResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return nil, failure.New(failure.Validation, "name and email are required")
	}
	if err := s.validate.Var(email, "email"); err != nil {
		return nil, failure.New(failure.Validation, "invalid email %q", email)
	}

	grand, err := s.store.GetGrandVault(ctx)
	if err != nil {
		return nil, err
	}
	grandAccount, err := s.store.GetAccountById(ctx, grand.AccountId)
	if err != nil {
		return nil, err
	}

	wallet, err := s.store.CreateWallet(ctx, store.CreateWalletParams{Name: name, Email: email, Custodial: custodial})
	if err != nil {
		return nil, err
	}

	account, err := s.newAccount(ctx, wallet.Id, "main")
	if err != nil {
		s.discardWallet(ctx, wallet.Id)
		return nil, err
	}

	tag, err := resolver.NewTag(ctx, s.store, wallet.Id)
	if err != nil {
		s.discardWallet(ctx, wallet.Id)
		return nil, err
	}
	address, err := resolver.EncodeTaggedAddress(grandAccount.Address, tag)
	if err != nil {
		s.discardWallet(ctx, wallet.Id)
		return nil, err
	}
	vault, err := s.store.CreateVault(ctx, store.CreateVaultParams{
		WalletId:  wallet.Id,
		AccountId: grandAccount.Id,
		Tag:       tag,
		Address:   address,
	})
	if err != nil {
		s.discardWallet(ctx, wallet.Id)
		return nil, err
	}

	zap.L().Info("Wallet created",
		zap.String("wallet_id", wallet.Id),
		zap.String("email", wallet.Email),
		zap.Uint64("tag", vault.Tag),
		zap.String("account", account.Address))

	settled, err := s.orch.SettlePendingCredits(ctx, wallet.Id)
	if err != nil {
		// The wallet stands; the reconcile sweep settles what is left.
		zap.L().Error("Failed to settle pending credits", zap.String("wallet_id", wallet.Id), zap.Error(err))
	}

	return &WalletResult{Wallet: wallet, Account: account, Vault: vault, Settled: settled}, nil
}

func (s *LedgerService) discardWallet(ctx context.Context, walletId string) {
	if err := s.store.DeleteWallet(ctx, walletId); err != nil {
		zap.L().Error("Failed to discard half created wallet", zap.String("wallet_id", walletId), zap.Error(err))
	}
}

// newAccount generates a keypair and stores it with its secret sealed.
func (s *LedgerService) newAccount(ctx context.Context, walletId, name string) (*models.Account, error) {
	address, secret, err := s.ledger.NewKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return s.storeAccount(ctx, walletId, name, address, secret)
}

func (s *LedgerService) storeAccount(ctx context.Context, walletId, name, address, secret string) (*models.Account, error) {
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal account secret: %w", err)
	}
	return s.store.CreateAccount(ctx, store.CreateAccountParams{
		WalletId:     walletId,
		Name:         name,
		Address:      address,
		SealedSecret: sealed,
	})
}

// CreateAccount adds another on-ledger account to a wallet.
func (s *LedgerService) CreateAccount(ctx context.Context, walletId, name string) (*models.AccountView, error) {
	wallet, err := s.store.GetWalletById(ctx, walletId)
	if err != nil {
		return nil, err
	}
	if wallet.Banned {
		return nil, failure.New(failure.Banned, "wallet %s is banned", walletId)
	}
	if name == "" {
		name = "account"
	}
	account, err := s.newAccount(ctx, wallet.Id, name)
	if err != nil {
		return nil, err
	}
	return accountView(account), nil
}

// RefreshAccount pulls an account's balances from the network into its snapshot.
func (s *LedgerService) RefreshAccount(ctx context.Context, accountId string) (*models.AccountView, error) {
	account, err := s.store.GetAccountById(ctx, accountId)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.orch.RefreshAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	account.SnapshotBalance = snapshot.Native
	account.SnapshotAssets = snapshot.Assets
	return accountView(account), nil
}

func (s *LedgerService) BanWallet(ctx context.Context, walletId string) error {
	return s.setBanned(ctx, walletId, true)
}

func (s *LedgerService) UnbanWallet(ctx context.Context, walletId string) error {
	return s.setBanned(ctx, walletId, false)
}

func (s *LedgerService) setBanned(ctx context.Context, walletId string, banned bool) error {
	if err := s.store.SetWalletBanned(ctx, walletId, banned); err != nil {
		return err
	}
	zap.L().Info("Wallet ban updated", zap.String("wallet_id", walletId), zap.Bool("banned", banned))
	return nil
}

func (s *LedgerService) RegisterDevice(ctx context.Context, walletId, platform, token string) error {
	if token == "" {
		return failure.New(failure.Validation, "device token is required")
	}
	if _, err := s.store.GetWalletById(ctx, walletId); err != nil {
		return err
	}
	return s.store.RegisterDevice(ctx, walletId, platform, token)
}

// GetWallets returns every wallet, or the one registered under email.
func (s *LedgerService) GetWallets(ctx context.Context, email string) ([]models.Wallet, error) {
	if email == "" {
		return s.store.GetWallets(ctx)
	}
	wallet, err := s.store.GetWalletByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	return []models.Wallet{*wallet}, nil
}
