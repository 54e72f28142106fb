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

func scanPendingCredit(row rowScanner) (*models.PendingCredit, error) {
	pc := &models.PendingCredit{}
	err := row.Scan(&pc.Id, &pc.Email, &pc.TransactionId, &pc.SenderVaultId, &pc.SenderAccountId,
		&pc.Level, &pc.Currency, &pc.Amount, &pc.ClaimedBy, &pc.ClaimedAt, &pc.CreatedAt)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *Service) CreatePendingCredit(ctx context.Context, params store.CreatePendingCreditParams) (*models.PendingCredit, error) {
	pc, err := scanPendingCredit(s.db.QueryRowContext(ctx, queryInsertPendingCredit,
		uuid.New().String(), params.Email, params.TransactionId, params.SenderVaultId, params.SenderAccountId,
		string(params.Level), params.Currency, params.Amount.String()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("pending credit for transaction %s: %w", params.TransactionId, store.ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("failed to create pending credit: %w", err)
	}

	zap.L().Info("Created pending credit",
		zap.String("pending_credit_id", pc.Id),
		zap.String("email", pc.Email),
		zap.String("transaction_id", pc.TransactionId),
		zap.String("amount", pc.Amount.String()))
	return pc, nil
}

// GetPendingCreditsByEmail returns unclaimed credits, oldest first.
func (s *Service) GetPendingCreditsByEmail(ctx context.Context, email string) ([]models.PendingCredit, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingCreditsByEmail, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending credits: %w", err)
	}
	defer closeRows(rows)

	var credits []models.PendingCredit
	for rows.Next() {
		pc, err := scanPendingCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending credit: %w", err)
		}
		credits = append(credits, *pc)
	}
	return credits, rows.Err()
}

// FindPendingCredit returns the credit holding transactionId, claimed or not,
// or nil when the transaction is not held.
func (s *Service) FindPendingCredit(ctx context.Context, transactionId string) (*models.PendingCredit, error) {
	pc, err := scanPendingCredit(s.db.QueryRowContext(ctx, queryFindPendingCredit, transactionId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending credit: %w", err)
	}
	return pc, nil
}

// ClaimPendingCredit marks the credit as taken by claimedBy. Exactly one
// caller wins; the rest get ErrAlreadyClaimed.
func (s *Service) ClaimPendingCredit(ctx context.Context, creditId, claimedBy string) error {
	result, err := s.db.ExecContext(ctx, queryClaimPendingCredit, claimedBy, time.Now().UTC(), creditId)
	if err != nil {
		return fmt.Errorf("failed to claim pending credit: %w", err)
	}
	return checkAffected(result, store.ErrAlreadyClaimed)
}

func (s *Service) ReleasePendingCredit(ctx context.Context, creditId string) error {
	if _, err := s.db.ExecContext(ctx, queryReleasePendingCredit, creditId); err != nil {
		return fmt.Errorf("failed to release pending credit: %w", err)
	}
	zap.L().Warn("Released pending credit claim", zap.String("pending_credit_id", creditId))
	return nil
}

func (s *Service) DeletePendingCredit(ctx context.Context, creditId string) error {
	if _, err := s.db.ExecContext(ctx, queryDeletePendingCredit, creditId); err != nil {
		return fmt.Errorf("failed to delete pending credit: %w", err)
	}
	return nil
}
