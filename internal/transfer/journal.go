package transfer

import (
	"context"

	"mox-ledger-go/internal/models"
)

// Journal mirrors settled transactions to an external book of record.
type Journal interface {
	Record(ctx context.Context, tx *models.Transaction) error
}

type NopJournal struct{}

func (NopJournal) Record(context.Context, *models.Transaction) error { return nil }
