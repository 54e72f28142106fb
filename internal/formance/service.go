// Package formance mirrors settled ledger transactions into a Formance Stack
// ledger, giving operators an independent double-entry book to audit against.
package formance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/transfer"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

var _ transfer.Journal = (*Mirror)(nil)

// defaultPrecision matches the 7 decimal places of Stellar amounts.
const defaultPrecision = 7

// Mirror records every settled transaction once, keyed by transaction id.
type Mirror struct {
	client    *v3.Formance
	ledger    string
	precision map[string]int
}

// NewMirror connects to the stack and creates the ledger if it doesn't
// already exist. precision maps currency symbols to their decimal places.
func NewMirror(ctx context.Context, cfg models.FormanceConfig, precision map[string]int) (*Mirror, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "mox-ledger"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	m := &Mirror{client: client, ledger: cfg.LedgerName, precision: normalizePrecision(precision)}

	if err := m.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance mirror initialized", zap.String("ledger", cfg.LedgerName))
	return m, nil
}

func normalizePrecision(precision map[string]int) map[string]int {
	out := make(map[string]int, len(precision))
	for symbol, p := range precision {
		out[strings.ToUpper(symbol)] = p
	}
	return out
}

func (m *Mirror) ensureLedger(ctx context.Context) error {
	_, err := m.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: m.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "mox-ledger",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", m.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", m.ledger))
	return nil
}

// formanceAsset returns the Formance UMN notation, e.g. "USDX/7".
func (m *Mirror) formanceAsset(symbol string) string {
	return fmt.Sprintf("%s/%d", symbol, m.precisionFor(symbol))
}

func (m *Mirror) precisionFor(symbol string) int {
	if p, ok := m.precision[strings.ToUpper(symbol)]; ok {
		return p
	}
	return defaultPrecision
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}
