// Package fees turns a transfer category and amount into a fee quote.
package fees

import (
	"fmt"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

type Category string

const (
	AccountBuy               Category = "ACCOUNT_BUY"
	WalletBuy                Category = "WALLET_BUY"
	AccountToAccountTransfer Category = "ACCOUNT_TO_ACCOUNT_TRANSFER"
	AccountToWalletTransfer  Category = "ACCOUNT_TO_WALLET_TRANSFER"
	WalletToWalletTransfer   Category = "WALLET_TO_WALLET_TRANSFER"
	WalletToAccountTransfer  Category = "WALLET_TO_ACCOUNT_TRANSFER"
	WalletSell               Category = "WALLET_SELL"
	AccountSell              Category = "ACCOUNT_SELL"
	BuyNative                Category = "BUY_NATIVE"
	Swap                     Category = "SWAP"
	Retail                   Category = "RETAIL"
)

// Categories lists every category the engine knows about.
var Categories = []Category{
	AccountBuy, WalletBuy,
	AccountToAccountTransfer, AccountToWalletTransfer, WalletToWalletTransfer, WalletToAccountTransfer,
	WalletSell, AccountSell,
	BuyNative, Swap, Retail,
}

// EnvKey is the environment variable that overrides the category's rate.
func (c Category) EnvKey() string {
	switch c {
	case AccountBuy, WalletBuy:
		return string(c) + "_FEE"
	default:
		return string(c)
	}
}

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", failure.New(failure.ConfigurationError, "unknown fee category %q", s)
}

// Kind is the movement a fee is charged for.
type Kind string

const (
	KindTransfer  Kind = "transfer"
	KindBuy       Kind = "buy"
	KindBuyNative Kind = "buy_native"
	KindSell      Kind = "sell"
)

// CategoryFor maps a movement between two levels to its fee category. For buys
// and sells only from is consulted.
func CategoryFor(kind Kind, from, to models.Level) (Category, error) {
	switch kind {
	case KindBuyNative:
		return BuyNative, nil
	case KindBuy:
		switch from {
		case models.LevelWallet:
			return WalletBuy, nil
		case models.LevelAccount:
			return AccountBuy, nil
		}
	case KindSell:
		switch from {
		case models.LevelWallet:
			return WalletSell, nil
		case models.LevelAccount:
			return AccountSell, nil
		}
	case KindTransfer:
		switch {
		case from == models.LevelWallet && to == models.LevelWallet:
			return WalletToWalletTransfer, nil
		case from == models.LevelWallet && to == models.LevelAccount:
			return WalletToAccountTransfer, nil
		case from == models.LevelAccount && to == models.LevelWallet:
			return AccountToWalletTransfer, nil
		case from == models.LevelAccount && to == models.LevelAccount:
			return AccountToAccountTransfer, nil
		}
	}
	return "", failure.New(failure.ConfigurationError, "no fee category for %s from %q to %q", kind, from, to)
}

// Quote is the persisted outcome of one fee computation.
type Quote struct {
	Category         Category
	Rate             decimal.Decimal
	Fee              decimal.Decimal
	AmountToTransact decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Engine holds one percentage rate per category. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	rates map[Category]decimal.Decimal
}

func NewEngine(rates map[Category]decimal.Decimal) (*Engine, error) {
	copied := make(map[Category]decimal.Decimal, len(rates))
	for category, rate := range rates {
		// A rate of 100 or more leaves nothing to credit.
		if rate.IsNegative() || rate.GreaterThanOrEqual(hundred) {
			return nil, failure.New(failure.ConfigurationError, "fee rate for %s must be within [0, 100), got %s", category, rate.String())
		}
		copied[category] = rate
	}
	return &Engine{rates: copied}, nil
}

func (e *Engine) Rate(category Category) (decimal.Decimal, error) {
	rate, ok := e.rates[category]
	if !ok {
		return decimal.Zero, failure.New(failure.ConfigurationError, "no fee rate configured for %s", category)
	}
	return rate, nil
}

// Compute returns fee = amount * rate / 100 and the net amount.
func (e *Engine) Compute(category Category, amount decimal.Decimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, failure.New(failure.Validation, "amount must be greater than zero, got %s", amount.String())
	}
	rate, err := e.Rate(category)
	if err != nil {
		return Quote{}, err
	}

	fee := amount.Mul(rate).Div(hundred)
	return Quote{
		Category:         category,
		Rate:             rate,
		Fee:              fee,
		AmountToTransact: amount.Sub(fee),
	}, nil
}

// RoundTo rounds the fee to the currency's precision and recomputes the net
// amount so the two still add up to the original amount.
func (q Quote) RoundTo(places int32) Quote {
	amount := q.Fee.Add(q.AmountToTransact)
	q.Fee = q.Fee.Round(places)
	q.AmountToTransact = amount.Sub(q.Fee)
	return q
}

func (q Quote) String() string {
	return fmt.Sprintf("%s rate=%s%% fee=%s net=%s", q.Category, q.Rate.String(), q.Fee.String(), q.AmountToTransact.String())
}
