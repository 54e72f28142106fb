package formance

import (
	"context"
	"fmt"
	"strings"

	"mox-ledger-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// feesAccount collects the fee share of every mirrored transaction.
const feesAccount = "platform:fees"

// Sources may overdraw: the local store is authoritative and the mirror can
// start after balances already exist.
const numscriptSettled = `vars {
  asset $asset
  number $net
  number $fee
  account $source
  account $destination
  account $fees
  string $transaction_id
  string $type
  string $level
  string $category
  string $hash
  string $amount_human
  string $fee_human
  string $parent_id
}

send [$asset $net] (
  source = @$source allowing unbounded overdraft
  destination = @$destination
)

send [$asset $fee] (
  source = @$source allowing unbounded overdraft
  destination = @$fees
)

set_tx_meta("transaction_id", $transaction_id)
set_tx_meta("type", $type)
set_tx_meta("level", $level)
set_tx_meta("category", $category)
set_tx_meta("hash", $hash)
set_tx_meta("amount_human", $amount_human)
set_tx_meta("fee_human", $fee_human)
set_tx_meta("parent_id", $parent_id)
`

// Record posts tx to the mirror ledger. A repeated Record of the same
// transaction is a CONFLICT on its reference and counts as success.
func (m *Mirror) Record(ctx context.Context, tx *models.Transaction) error {
	if tx.Status != models.StatusSuccess {
		return fmt.Errorf("transaction %s is %s, only settled transactions are mirrored", tx.Id, tx.Status)
	}

	_, err := m.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: m.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Reference: strPtr(tx.Id),
			Script: &shared.V2PostTransactionScript{
				Plain: numscriptSettled,
				Vars:  m.scriptVars(tx),
			},
		},
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Debug("Transaction already mirrored", zap.String("transaction_id", tx.Id))
			return nil
		}
		return fmt.Errorf("error mirroring transaction %s: %w", tx.Id, err)
	}

	zap.L().Info("Transaction mirrored in Formance",
		zap.String("transaction_id", tx.Id),
		zap.String("type", string(tx.Type)),
		zap.String("currency", tx.Currency),
		zap.String("amount", tx.Amount.String()))
	return nil
}

func (m *Mirror) scriptVars(tx *models.Transaction) map[string]string {
	net := tx.Amount.Sub(tx.Fee)
	if net.IsNegative() {
		net = decimal.Zero
	}
	return map[string]string{
		"asset":          m.formanceAsset(tx.Currency),
		"net":            m.smallestUnits(tx.Currency, net),
		"fee":            m.smallestUnits(tx.Currency, tx.Fee),
		"source":         partyAccount(tx.SenderId),
		"destination":    partyAccount(tx.ReceiverId),
		"fees":           feesAccount,
		"transaction_id": tx.Id,
		"type":           string(tx.Type),
		"level":          string(tx.Level),
		"category":       tx.Category,
		"hash":           tx.Hash,
		"amount_human":   tx.Amount.String(),
		"fee_human":      tx.Fee.String(),
		"parent_id":      tx.ParentId,
	}
}

func (m *Mirror) smallestUnits(symbol string, amount decimal.Decimal) string {
	return amount.Shift(int32(m.precisionFor(symbol))).BigInt().String()
}

// partyAccount maps a party identifier (vault or account id, ledger address
// or escrowed email) to a Formance account address. Characters Formance does
// not accept in an address segment become underscores.
func partyAccount(id string) string {
	if id == "" {
		return "world"
	}
	var b strings.Builder
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return "parties:" + b.String()
}

func strPtr(s string) *string { return &s }
