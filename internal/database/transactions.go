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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(&t.Id, &t.Type, &t.Reason, &t.Currency, &t.Amount, &t.Fee, &t.Rate, &t.Category, &t.Level,
		&t.SenderId, &t.SenderAddress, &t.ReceiverId, &t.ReceiverAddress, &t.RecipientTag,
		&t.Status, &t.SagaState, &t.ExternalRef, &t.ExternalError, &t.Attempts, &t.Hash, &t.HashLink, &t.Message,
		&t.ParentId, &t.TradeId, &t.CreatedAt, &t.UpdatedAt, &t.FinalizedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	defer closeRows(rows)

	var transactions []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *t)
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

// CreateTransaction inserts a PENDING audit record. Records are never deleted.
func (s *Service) CreateTransaction(ctx context.Context, params store.CreateTransactionParams) (*models.Transaction, error) {
	if !params.Amount.IsPositive() {
		return nil, fmt.Errorf("transaction amount must be positive, got %s", params.Amount.String())
	}

	now := time.Now().UTC()
	t, err := scanTransaction(s.db.QueryRowContext(ctx, queryInsertTransaction,
		uuid.New().String(), string(params.Type), params.Reason, params.Currency,
		params.Amount.String(), params.Fee.String(), params.Rate.String(), params.Category, string(params.Level),
		params.SenderId, params.SenderAddress, params.ReceiverId, params.ReceiverAddress, params.RecipientTag,
		params.ParentId, params.TradeId, now, now))
	if isUniqueViolation(err) && params.Type == models.TypeRefund {
		return nil, store.ErrRefundInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	zap.L().Info("Created transaction",
		zap.String("transaction_id", t.Id),
		zap.String("type", string(t.Type)),
		zap.String("currency", t.Currency),
		zap.String("amount", t.Amount.String()),
		zap.String("fee", t.Fee.String()))
	return t, nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransaction, transactionId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// FinalizeTransaction performs the one allowed PENDING to terminal transition.
func (s *Service) FinalizeTransaction(ctx context.Context, params store.FinalizeParams) error {
	if !params.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize transaction with non-terminal status %s", params.Status)
	}

	now := time.Now().UTC()
	saga := string(params.SagaState)
	result, err := s.db.ExecContext(ctx, queryFinalizeTransaction,
		string(params.Status), params.Hash, params.HashLink, params.Message,
		saga, saga, now, now, params.TransactionId)
	if err != nil {
		return fmt.Errorf("failed to finalize transaction: %w", err)
	}
	if err := checkAffected(result, store.ErrTransactionFinalized); err != nil {
		if _, lookupErr := s.GetTransaction(ctx, params.TransactionId); lookupErr != nil {
			return lookupErr
		}
		return err
	}

	zap.L().Info("Finalized transaction",
		zap.String("transaction_id", params.TransactionId),
		zap.String("status", string(params.Status)),
		zap.String("hash", params.Hash))
	return nil
}

// AdvanceSaga moves the saga state only if it still equals from.
func (s *Service) AdvanceSaga(ctx context.Context, transactionId string, from, to models.SagaState) error {
	result, err := s.db.ExecContext(ctx, queryAdvanceSaga, string(to), string(to), time.Now().UTC(), transactionId, string(from))
	if err != nil {
		return fmt.Errorf("failed to advance saga: %w", err)
	}
	if err := checkAffected(result, store.ErrSagaStateMismatch); err != nil {
		return err
	}

	zap.L().Debug("Advanced saga",
		zap.String("transaction_id", transactionId),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (s *Service) UpdateTransactionFee(ctx context.Context, transactionId string, fee, rate decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, queryUpdateTransactionFee, fee.String(), rate.String(), time.Now().UTC(), transactionId)
	if err != nil {
		return fmt.Errorf("failed to update transaction fee: %w", err)
	}
	return checkAffected(result, store.ErrTransactionFinalized)
}

// UpdateTransactionReceiver binds a still PENDING transaction to the vault that
// will receive it, once an unregistered recipient has signed up.
func (s *Service) UpdateTransactionReceiver(ctx context.Context, transactionId, receiverId, receiverAddress string, tag uint64) error {
	result, err := s.db.ExecContext(ctx, queryUpdateTransactionReceiver, receiverId, receiverAddress, tag, time.Now().UTC(), transactionId)
	if err != nil {
		return fmt.Errorf("failed to update transaction receiver: %w", err)
	}
	return checkAffected(result, store.ErrTransactionFinalized)
}

func (s *Service) SetExternalRef(ctx context.Context, transactionId, ref string) error {
	result, err := s.db.ExecContext(ctx, querySetExternalRef, ref, time.Now().UTC(), transactionId)
	if err != nil {
		return fmt.Errorf("failed to set external reference: %w", err)
	}
	return checkAffected(result, store.ErrTransactionNotFound)
}

// RecordExternalError keeps the last network error on a still PENDING transaction.
func (s *Service) RecordExternalError(ctx context.Context, transactionId, message string) error {
	if _, err := s.db.ExecContext(ctx, queryRecordExternalError, message, time.Now().UTC(), transactionId); err != nil {
		return fmt.Errorf("failed to record external error: %w", err)
	}
	return nil
}

func (s *Service) AppendTransactionRef(ctx context.Context, ownerType, ownerId, transactionId string) error {
	if _, err := s.db.ExecContext(ctx, queryInsertTransactionRef, ownerType, ownerId, transactionId); err != nil {
		return fmt.Errorf("failed to append transaction ref: %w", err)
	}
	return nil
}

func (s *Service) GetTransactionRefs(ctx context.Context, ownerType, ownerId string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryGetTransactionRefs, ownerType, ownerId)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction refs: %w", err)
	}
	defer closeRows(rows)

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction ref: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStuckTransactions returns transactions sitting in one of the given saga
// states since before olderThan. Compensations are listed whatever the status,
// since the failed original stays COMPENSATING until its refund lands.
func (s *Service) ListStuckTransactions(ctx context.Context, states []models.SagaState, olderThan time.Time, limit int) ([]models.Transaction, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+2)
	for i, state := range states {
		placeholders[i] = "?"
		args = append(args, string(state))
	}
	args = append(args, olderThan.UTC(), limit)

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE (status = 'PENDING' OR saga_state = 'COMPENSATING') AND saga_state IN (` + strings.Join(placeholders, ", ") + `) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck transactions: %w", err)
	}
	return scanTransactions(rows)
}

func (s *Service) ListRefunds(ctx context.Context, parentId string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryListRefunds, parentId)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return scanTransactions(rows)
}

// GetTransactionHistory returns paginated history for a vault or account, newest first
func (s *Service) GetTransactionHistory(ctx context.Context, ownerType, ownerId string, limit, offset int) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("owner_type", ownerType),
		zap.String("owner_id", ownerId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryGetTransactionHistory, ownerType, ownerId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	return scanTransactions(rows)
}
