package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanCurrency(row rowScanner) (*models.SupportedCurrency, error) {
	currency := &models.SupportedCurrency{}
	err := row.Scan(&currency.Symbol, &currency.Issuer, &currency.Native, &currency.Supply,
		&currency.SuppliedTokens, &currency.Precision)
	if err != nil {
		return nil, err
	}
	return currency, nil
}

// UpsertCurrency registers or updates a currency. The issued counter is
// never overwritten.
func (s *Service) UpsertCurrency(ctx context.Context, currency models.SupportedCurrency) error {
	precision := currency.Precision
	if precision <= 0 {
		precision = 7
	}
	_, err := s.db.ExecContext(ctx, queryUpsertCurrency,
		currency.Symbol, currency.Issuer, currency.Native, currency.Supply.String(), precision)
	if err != nil {
		return fmt.Errorf("failed to upsert currency %s: %w", currency.Symbol, err)
	}
	zap.L().Debug("Upserted currency", zap.String("symbol", currency.Symbol), zap.Bool("native", currency.Native))
	return nil
}

func (s *Service) GetCurrency(ctx context.Context, symbol string) (*models.SupportedCurrency, error) {
	currency, err := scanCurrency(s.db.QueryRowContext(ctx, queryGetCurrency, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCurrencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return currency, nil
}

func (s *Service) GetCurrencies(ctx context.Context) ([]models.SupportedCurrency, error) {
	rows, err := s.db.QueryContext(ctx, queryGetCurrencies)
	if err != nil {
		return nil, fmt.Errorf("failed to query currencies: %w", err)
	}
	defer closeRows(rows)

	var currencies []models.SupportedCurrency
	for rows.Next() {
		currency, err := scanCurrency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan currency: %w", err)
		}
		currencies = append(currencies, *currency)
	}
	return currencies, rows.Err()
}

// ReserveSupply counts amount against the currency's issuance cap in a single
// conditional update so concurrent buys cannot overshoot it.
func (s *Service) ReserveSupply(ctx context.Context, symbol string, amount decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, queryReserveSupply, amount.String(), symbol, amount.String())
	if err != nil {
		return fmt.Errorf("failed to reserve supply: %w", err)
	}
	if err := checkAffected(result, store.ErrSupplyExceeded); err != nil {
		if _, lookupErr := s.GetCurrency(ctx, symbol); lookupErr != nil {
			return lookupErr
		}
		zap.L().Warn("Supply cap reached", zap.String("symbol", symbol), zap.String("amount", amount.String()))
		return err
	}
	return nil
}

func (s *Service) ReleaseSupply(ctx context.Context, symbol string, amount decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, queryReleaseSupply, amount.String(), symbol)
	if err != nil {
		return fmt.Errorf("failed to release supply: %w", err)
	}
	return checkAffected(result, store.ErrCurrencyNotFound)
}
