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
	"go.uber.org/zap"
)

func scanTrade(row rowScanner) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(&t.Id, &t.WalletId, &t.ReceiverAccountId, &t.Level, &t.TradeType, &t.Gateway, &t.Reference,
		&t.GatewayTransactionId, &t.Currency, &t.Amount, &t.Fee, &t.Rate, &t.PayCurrency, &t.PayAmount,
		&t.Status, &t.WebhookStatus, &t.GatewayError, &t.TransactionId, &t.Reason, &t.RedirectURL, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) CreateTrade(ctx context.Context, params store.CreateTradeParams) (*models.Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, queryInsertTrade,
		uuid.New().String(), params.WalletId, params.ReceiverAccountId, string(params.Level), string(params.TradeType),
		params.Gateway, params.Reference, params.GatewayTransactionId, params.Currency,
		params.Amount.String(), params.Fee.String(), params.Rate.String(),
		params.PayCurrency, params.PayAmount.String(), params.Reason, params.RedirectURL))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("trade reference %s already exists: %w", params.Reference, store.ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	zap.L().Info("Created trade",
		zap.String("trade_id", trade.Id),
		zap.String("reference", trade.Reference),
		zap.String("type", string(trade.TradeType)),
		zap.String("currency", trade.Currency),
		zap.String("amount", trade.Amount.String()))
	return trade, nil
}

func (s *Service) GetTradeById(ctx context.Context, tradeId string) (*models.Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, queryGetTradeById, tradeId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

func (s *Service) GetTradeByReference(ctx context.Context, reference string) (*models.Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, queryGetTradeByReference, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by reference: %w", err)
	}
	return trade, nil
}

// MarkWebhookStatus records the gateway status for a trade and returns the
// updated row. A notification carrying the status already recorded matches
// no row and yields ErrDuplicateEvent, so two concurrent deliveries of the
// same event cannot both proceed.
func (s *Service) MarkWebhookStatus(ctx context.Context, reference, status string) (*models.Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, queryMarkWebhookStatus, status, reference, status))
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.GetTradeByReference(ctx, reference); lookupErr != nil {
			return nil, lookupErr
		}
		zap.L().Info("Duplicate webhook status ignored", zap.String("reference", reference), zap.String("status", status))
		return nil, store.ErrDuplicateEvent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark webhook status: %w", err)
	}
	return trade, nil
}

// ClearWebhookStatus undoes MarkWebhookStatus for a notification that could
// not be processed, so a redelivery is not mistaken for a duplicate.
func (s *Service) ClearWebhookStatus(ctx context.Context, reference, status string) error {
	if _, err := s.db.ExecContext(ctx, queryClearWebhookStatus, reference, status); err != nil {
		return fmt.Errorf("failed to clear webhook status: %w", err)
	}
	return nil
}

func (s *Service) SetTradeStatus(ctx context.Context, tradeId string, status models.TradeStatus) error {
	result, err := s.db.ExecContext(ctx, querySetTradeStatus, string(status), tradeId)
	if err != nil {
		return fmt.Errorf("failed to set trade status: %w", err)
	}
	if err := checkAffected(result, store.ErrTradeNotFound); err != nil {
		return err
	}
	zap.L().Info("Updated trade status", zap.String("trade_id", tradeId), zap.String("status", string(status)))
	return nil
}

// AttachTradeTransaction links the disbursement transaction once; a trade
// that already carries one is left untouched and reported as a duplicate.
func (s *Service) AttachTradeTransaction(ctx context.Context, tradeId, transactionId string) error {
	result, err := s.db.ExecContext(ctx, queryAttachTradeTransaction, transactionId, tradeId)
	if err != nil {
		return fmt.Errorf("failed to attach trade transaction: %w", err)
	}
	if err := checkAffected(result, store.ErrDuplicateEvent); err != nil {
		if _, lookupErr := s.GetTradeById(ctx, tradeId); lookupErr != nil {
			return lookupErr
		}
		return err
	}
	return nil
}

// SetTradeGatewayRef records the provider's own id for a trade, such as the
// payout reference a payout notification is keyed by.
func (s *Service) SetTradeGatewayRef(ctx context.Context, tradeId, ref string) error {
	result, err := s.db.ExecContext(ctx, querySetTradeGatewayRef, ref, tradeId)
	if err != nil {
		return fmt.Errorf("failed to set trade gateway reference: %w", err)
	}
	return checkAffected(result, store.ErrTradeNotFound)
}

// RecordTradeError notes a provider call that ended without a definite answer.
// The trade keeps its status.
func (s *Service) RecordTradeError(ctx context.Context, tradeId, message string) error {
	result, err := s.db.ExecContext(ctx, queryRecordTradeError, message, tradeId)
	if err != nil {
		return fmt.Errorf("failed to record trade error: %w", err)
	}
	return checkAffected(result, store.ErrTradeNotFound)
}

func (s *Service) GetTradeByGatewayRef(ctx context.Context, gateway, ref string) (*models.Trade, error) {
	if ref == "" {
		return nil, store.ErrTradeNotFound
	}
	trade, err := scanTrade(s.db.QueryRowContext(ctx, queryGetTradeByGatewayRef, gateway, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by gateway reference: %w", err)
	}
	return trade, nil
}

// ListStaleTrades returns pending trades that never received a notification:
// buys, and sells whose payout call ended without an answer.
func (s *Service) ListStaleTrades(ctx context.Context, olderThan time.Time, limit int) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, queryListStaleTrades, olderThan.UTC().Format("2006-01-02 15:04:05"), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale trades: %w", err)
	}
	defer closeRows(rows)

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}
