package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/resolver"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"
)

const (
	amountPrecision = 7
	lookupPageSize  = 200
)

type currencyLookup interface {
	GetCurrency(ctx context.Context, symbol string) (*models.SupportedCurrency, error)
}

// Stellar implements Ledger on top of Horizon.
type Stellar struct {
	client       *horizonclient.Client
	passphrase   string
	nativeSymbol string
	txTimeout    time.Duration
	baseFee      int64
	currencies   currencyLookup
}

var _ Ledger = (*Stellar)(nil)

func NewStellar(cfg models.NetworkConfig, currencies currencyLookup) (*Stellar, error) {
	if cfg.HorizonURL == "" {
		return nil, fmt.Errorf("horizon url cannot be empty")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("network passphrase cannot be empty")
	}

	httpClient, err := createCustomHttpClient(cfg.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	baseFee := cfg.BaseFee
	if baseFee < txnbuild.MinBaseFee {
		baseFee = txnbuild.MinBaseFee
	}

	return &Stellar{
		client:       &horizonclient.Client{HorizonURL: cfg.HorizonURL, HTTP: httpClient},
		passphrase:   cfg.Passphrase,
		nativeSymbol: cfg.NativeSymbol,
		txTimeout:    cfg.TxTimeout,
		baseFee:      baseFee,
		currencies:   currencies,
	}, nil
}

// call runs a blocking Horizon request and gives up when ctx ends. The
// request itself may still complete; callers treat that as an unknown outcome.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn()
		done <- result{value, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Stellar) NewKeypair() (string, string, error) {
	kp, err := keypair.Random()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate keypair: %w", err)
	}
	return kp.Address(), kp.Seed(), nil
}

func (s *Stellar) TransferNative(ctx context.Context, secret string, amount decimal.Decimal, dest, reference string) (*Receipt, error) {
	return s.submitPayment(ctx, secret, dest, txnbuild.NativeAsset{}, amount, reference)
}

func (s *Stellar) PayIssuedCurrency(ctx context.Context, secret, dest, currency string, amount decimal.Decimal, destTag uint64, reference string) (*Receipt, error) {
	asset, err := s.assetFor(ctx, currency)
	if err != nil {
		return nil, err
	}

	if destTag > 0 {
		dest, err = resolver.EncodeTaggedAddress(dest, destTag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotSubmitted, err)
		}
	}
	return s.submitPayment(ctx, secret, dest, asset, amount, reference)
}

func (s *Stellar) assetFor(ctx context.Context, currency string) (txnbuild.Asset, error) {
	if currency == s.nativeSymbol {
		return txnbuild.NativeAsset{}, nil
	}
	supported, err := s.currencies.GetCurrency(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSubmitted, err)
	}
	if supported.Native {
		return txnbuild.NativeAsset{}, nil
	}
	if supported.Issuer == "" {
		return nil, fmt.Errorf("%w: currency %s has no issuer", ErrNotSubmitted, currency)
	}
	return txnbuild.CreditAsset{Code: supported.Symbol, Issuer: supported.Issuer}, nil
}

func (s *Stellar) submitPayment(ctx context.Context, secret, dest string, asset txnbuild.Asset, amount decimal.Decimal, reference string) (*Receipt, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source secret", ErrNotSubmitted)
	}

	account, err := call(ctx, func() (horizon.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: kp.Address()})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load source account: %v", ErrNotSubmitted, err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: dest,
			Amount:      formatAmount(amount),
			Asset:       asset,
		}},
		BaseFee: s.baseFee,
		Memo:    txnbuild.MemoHash(MemoHash(reference)),
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(int64(s.txTimeout.Seconds())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build transaction: %v", ErrNotSubmitted, err)
	}
	tx, err = tx.Sign(s.passphrase, kp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign transaction: %v", ErrNotSubmitted, err)
	}

	zap.L().Info("Submitting ledger payment",
		zap.String("reference", reference),
		zap.String("source", kp.Address()),
		zap.String("destination", dest),
		zap.String("amount", formatAmount(amount)))

	resp, err := call(ctx, func() (horizon.Transaction, error) {
		return s.client.SubmitTransaction(tx)
	})
	if err != nil {
		if code, ok := resultCode(err); ok {
			zap.L().Warn("Ledger rejected payment", zap.String("reference", reference), zap.String("code", code))
			return &Receipt{Code: code, Success: false}, nil
		}
		zap.L().Error("Ledger submission outcome unknown", zap.String("reference", reference), zap.Error(err))
		return nil, fmt.Errorf("submission outcome unknown: %w", err)
	}

	code := "tx_success"
	if !resp.Successful {
		code = "tx_failed"
	}
	return &Receipt{Hash: resp.Hash, Code: code, Success: resp.Successful}, nil
}

// Lookup searches the source account's recent transactions for the memo
// derived from reference.
func (s *Stellar) Lookup(ctx context.Context, source, reference string) (*Receipt, error) {
	page, err := call(ctx, func() (horizon.TransactionsPage, error) {
		return s.client.Transactions(horizonclient.TransactionRequest{
			ForAccount: source,
			Order:      horizonclient.OrderDesc,
			Limit:      lookupPageSize,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger transactions: %w", err)
	}

	receipt := findByMemo(page.Embedded.Records, reference)
	if receipt == nil {
		return nil, ErrNotFound
	}
	return receipt, nil
}

func findByMemo(records []horizon.Transaction, reference string) *Receipt {
	hash := MemoHash(reference)
	memo := base64.StdEncoding.EncodeToString(hash[:])
	for _, record := range records {
		if record.MemoType == "hash" && record.Memo == memo {
			code := "tx_success"
			if !record.Successful {
				code = "tx_failed"
			}
			return &Receipt{Hash: record.Hash, Code: code, Success: record.Successful}
		}
	}
	return nil
}

// Snapshot reads balances from the ledger. An account that does not exist
// yet reads as empty.
func (s *Stellar) Snapshot(ctx context.Context, address string) (*AccountSnapshot, error) {
	account, err := call(ctx, func() (horizon.Account, error) {
		return s.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	})
	if err != nil {
		var hErr *horizonclient.Error
		if errors.As(err, &hErr) && hErr.Problem.Status == http.StatusNotFound {
			return &AccountSnapshot{Address: address, Native: decimal.Zero}, nil
		}
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to load account %s", address)
	}
	return snapshotFrom(address, account.Balances), nil
}

func snapshotFrom(address string, balances []horizon.Balance) *AccountSnapshot {
	snapshot := &AccountSnapshot{Address: address, Native: decimal.Zero}
	for _, b := range balances {
		amount, err := decimal.NewFromString(b.Balance)
		if err != nil {
			zap.L().Warn("Skipping unparsable balance", zap.String("address", address), zap.String("balance", b.Balance))
			continue
		}
		if b.Type == "native" {
			snapshot.Native = amount
			continue
		}
		snapshot.Assets = append(snapshot.Assets, models.AssetBalance{Currency: b.Code, Issuer: b.Issuer, Balance: amount})
	}
	return snapshot
}

// resultCode extracts the ledger's verdict from a rejected submission. Only
// a problem carrying result codes is a definite failure.
func resultCode(err error) (string, bool) {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return "", false
	}
	codes, err := hErr.ResultCodes()
	if err != nil || codes == nil {
		return "", false
	}
	for _, op := range codes.OperationCodes {
		if op != "op_success" {
			return op, true
		}
	}
	return codes.TransactionCode, true
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(amountPrecision)
}
