// Package settlement turns gateway payments into ledger movements: buys are
// charged through a gateway and disbursed once the payment is verified, sells
// move value into the grand vault and are paid out through the gateway.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/fees"
	"mox-ledger-go/internal/gateway"
	"mox-ledger-go/internal/models"
	"mox-ledger-go/internal/store"
	"mox-ledger-go/internal/transfer"

	"go.uber.org/zap"
)

type Deps struct {
	Store        store.LedgerStore
	Orchestrator *transfer.Orchestrator
	Gateway      gateway.Gateway
	Fees         *fees.Engine
}

type Config struct {
	CallTimeout time.Duration
}

// Reconciler settles trades against one payment gateway.
type Reconciler struct {
	store   store.LedgerStore
	orch    *transfer.Orchestrator
	gateway gateway.Gateway
	fees    *fees.Engine
	timeout time.Duration
}

func NewReconciler(deps Deps, cfg Config) (*Reconciler, error) {
	if deps.Store == nil || deps.Orchestrator == nil || deps.Gateway == nil || deps.Fees == nil {
		return nil, fmt.Errorf("reconciler requires a store, orchestrator, gateway and fee engine")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Reconciler{
		store:   deps.Store,
		orch:    deps.Orchestrator,
		gateway: deps.Gateway,
		fees:    deps.Fees,
		timeout: cfg.CallTimeout,
	}, nil
}

// Event is a gateway notification with its status already mapped.
type Event struct {
	Gateway   string
	Reference string
	Status    models.TradeStatus
	RawStatus string
}

// Settlement reports what an event did to its trade.
type Settlement struct {
	TradeId       string
	Reference     string
	TradeType     models.TradeType
	Status        models.TradeStatus
	TransactionId string
	Disbursement  *transfer.Result
}

func settlementOf(trade *models.Trade) *Settlement {
	return &Settlement{
		TradeId:       trade.Id,
		Reference:     trade.Reference,
		TradeType:     trade.TradeType,
		Status:        trade.Status,
		TransactionId: trade.TransactionId,
	}
}

// HandleEvent applies a gateway notification exactly once. A replay of a
// status already recorded returns failure.ErrDuplicateEvent without side
// effects. The payment is re-verified with the gateway before anything is
// disbursed.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (*Settlement, error) {
	ev.Reference = strings.TrimSpace(ev.Reference)
	if ev.Reference == "" {
		return nil, failure.New(failure.Validation, "event reference is required")
	}
	if ev.Gateway != "" && ev.Gateway != r.gateway.Name() {
		return nil, failure.New(failure.Validation, "event from unknown gateway %q", ev.Gateway)
	}

	zap.L().Info("Handling gateway event",
		zap.String("reference", ev.Reference),
		zap.String("status", string(ev.Status)),
		zap.String("raw_status", ev.RawStatus),
		zap.String("request_id", models.RequestIdFrom(ctx)))

	if ev.Status == models.TradePending {
		trade, err := r.store.GetTradeByReference(ctx, ev.Reference)
		if err != nil {
			return nil, err
		}
		return settlementOf(trade), nil
	}
	if ev.Status != models.TradeSuccess && ev.Status != models.TradeFailed {
		return nil, failure.New(failure.Validation, "unknown event status %q", ev.Status)
	}

	trade, err := r.store.MarkWebhookStatus(ctx, ev.Reference, string(ev.Status))
	if err != nil {
		return nil, err
	}

	var settlement *Settlement
	if trade.TradeType == models.TradeSell {
		settlement, err = r.settlePayout(ctx, trade, ev)
	} else {
		settlement, err = r.settleBuy(ctx, trade, ev)
	}

	// Only a notification that never reached the ledger may be redelivered.
	if err != nil && settlement == nil {
		if clrErr := r.store.ClearWebhookStatus(ctx, ev.Reference, string(ev.Status)); clrErr != nil {
			zap.L().Error("Failed to reopen webhook status", zap.String("reference", ev.Reference), zap.Error(clrErr))
		}
	}
	return settlement, err
}

func (r *Reconciler) settleBuy(ctx context.Context, trade *models.Trade, ev Event) (*Settlement, error) {
	if trade.Status != models.TradePending {
		zap.L().Info("Trade already settled", zap.String("trade_id", trade.Id), zap.String("status", string(trade.Status)))
		return settlementOf(trade), failure.New(failure.DuplicateEvent, "trade %s already %s", trade.Id, trade.Status)
	}

	if ev.Status == models.TradeFailed {
		return r.finish(ctx, trade, models.TradeFailed)
	}

	verified, err := r.verify(ctx, trade)
	if err != nil {
		return nil, err
	}
	if !verified {
		return r.finish(ctx, trade, models.TradeFailed)
	}

	if err := r.store.SetTradeStatus(ctx, trade.Id, models.TradeSuccess); err != nil {
		return nil, err
	}
	trade.Status = models.TradeSuccess

	res, err := r.orch.Disburse(ctx, trade)
	if errors.Is(err, failure.ErrDuplicateEvent) {
		return r.reload(ctx, trade), err
	}
	if err != nil && res == nil {
		// Nothing was recorded on the ledger side, so the trade cannot stand.
		zap.L().Error("Disbursement rejected", zap.String("trade_id", trade.Id), zap.Error(err))
		settlement, finErr := r.finish(ctx, trade, models.TradeFailed)
		if finErr != nil {
			return settlement, finErr
		}
		return settlement, err
	}
	if err != nil {
		zap.L().Error("Disbursement failed after payment was captured",
			zap.String("trade_id", trade.Id),
			zap.String("reference", trade.Reference),
			zap.String("transaction_id", res.TransactionId),
			zap.Error(err))
		if setErr := r.store.SetTradeStatus(ctx, trade.Id, models.TradeFailed); setErr != nil {
			zap.L().Error("Failed to fail trade", zap.String("trade_id", trade.Id), zap.Error(setErr))
		}
	}

	settlement := r.reload(ctx, trade)
	settlement.Disbursement = res
	return settlement, err
}

// verify asks the gateway for the authoritative payment and compares it with
// what the trade priced. Webhook payloads are never trusted on their own.
func (r *Reconciler) verify(ctx context.Context, trade *models.Trade) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, err := r.gateway.VerifyStatus(callCtx, trade.Reference)
	if err != nil {
		return false, failure.Wrap(failure.ExternalServiceFailure, err, "failed to verify payment %s", trade.Reference)
	}

	switch {
	case status.Status != models.TradeSuccess:
		zap.L().Warn("Gateway does not confirm payment",
			zap.String("reference", trade.Reference),
			zap.String("status", string(status.Status)),
			zap.String("raw_status", status.RawStatus))
		return false, nil
	case !status.Amount.Equal(trade.PayAmount):
		zap.L().Warn("Payment amount mismatch",
			zap.String("reference", trade.Reference),
			zap.String("expected", trade.PayAmount.String()),
			zap.String("paid", status.Amount.String()))
		return false, nil
	case status.Currency != "" && !strings.EqualFold(status.Currency, trade.PayCurrency):
		zap.L().Warn("Payment currency mismatch",
			zap.String("reference", trade.Reference),
			zap.String("expected", trade.PayCurrency),
			zap.String("paid", status.Currency))
		return false, nil
	}
	return true, nil
}

// settlePayout applies a payout notification to a sell trade. A payout the
// gateway gave up on refunds the seller.
func (r *Reconciler) settlePayout(ctx context.Context, trade *models.Trade, ev Event) (*Settlement, error) {
	if ev.Status == models.TradeSuccess {
		if trade.Status == models.TradeSuccess {
			return settlementOf(trade), nil
		}
		return r.finish(ctx, trade, models.TradeSuccess)
	}

	settlement, err := r.finish(ctx, trade, models.TradeFailed)
	if err != nil {
		return settlement, err
	}
	if trade.TransactionId != "" {
		if err := r.orch.Compensate(ctx, trade.TransactionId, "payout failed: "+ev.RawStatus); err != nil {
			return settlement, err
		}
	}
	return r.reload(ctx, trade), nil
}

func (r *Reconciler) finish(ctx context.Context, trade *models.Trade, status models.TradeStatus) (*Settlement, error) {
	if err := r.store.SetTradeStatus(ctx, trade.Id, status); err != nil {
		return nil, err
	}
	trade.Status = status
	return settlementOf(trade), nil
}

func (r *Reconciler) reload(ctx context.Context, trade *models.Trade) *Settlement {
	latest, err := r.store.GetTradeById(ctx, trade.Id)
	if err != nil {
		zap.L().Warn("Failed to reload trade", zap.String("trade_id", trade.Id), zap.Error(err))
		return settlementOf(trade)
	}
	return settlementOf(latest)
}

// HandlePayoutEvent applies a payout notification, which the provider keys
// by its own payout reference rather than the trade reference.
func (r *Reconciler) HandlePayoutEvent(ctx context.Context, referenceNo, rawStatus string) (*Settlement, error) {
	if referenceNo == "" {
		return nil, failure.New(failure.Validation, "payout reference is required")
	}
	trade, err := r.store.GetTradeByGatewayRef(ctx, r.gateway.Name(), referenceNo)
	if errors.Is(err, store.ErrTradeNotFound) {
		trade, err = r.adoptPayout(ctx, referenceNo)
	}
	if err != nil {
		return nil, err
	}
	if trade.TradeType != models.TradeSell {
		return nil, failure.New(failure.Validation, "trade %s is not a sale", trade.Id)
	}
	return r.HandleEvent(ctx, Event{
		Gateway:   r.gateway.Name(),
		Reference: trade.Reference,
		Status:    gateway.MapPayoutStatus(rawStatus),
		RawStatus: rawStatus,
	})
}

// adoptPayout binds a payout to the sale that requested it when the sale
// never learned the provider's reference, as after a payout call that timed
// out. The trade reference travels in the payout notes.
func (r *Reconciler) adoptPayout(ctx context.Context, referenceNo string) (*models.Trade, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	payout, err := r.gateway.PayoutStatus(callCtx, referenceNo)
	cancel()
	if failure.ReasonOf(err) == failure.NotFound {
		return nil, store.ErrTradeNotFound
	}
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to look up payout %s", referenceNo)
	}

	reference := payoutNoteReference(payout.Notes)
	if reference == "" {
		return nil, store.ErrTradeNotFound
	}
	trade, err := r.store.GetTradeByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if trade.GatewayTransactionId != "" && trade.GatewayTransactionId != referenceNo {
		return nil, failure.New(failure.Validation, "trade %s is bound to payout %s", trade.Id, trade.GatewayTransactionId)
	}
	if err := r.store.SetTradeGatewayRef(ctx, trade.Id, referenceNo); err != nil {
		return nil, err
	}
	trade.GatewayTransactionId = referenceNo

	zap.L().Info("Bound payout to trade",
		zap.String("trade_id", trade.Id),
		zap.String("reference_no", referenceNo))
	return trade, nil
}

// Recheck asks the gateway about a trade that never received a notification
// and feeds the answer through HandleEvent.
func (r *Reconciler) Recheck(ctx context.Context, trade *models.Trade) (*Settlement, error) {
	if trade.TradeType == models.TradeSell {
		return r.recheckPayout(ctx, trade)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	status, err := r.gateway.VerifyStatus(callCtx, trade.Reference)
	cancel()
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to check payment %s", trade.Reference)
	}
	if status.Status == models.TradePending {
		return settlementOf(trade), nil
	}

	return r.HandleEvent(ctx, Event{
		Gateway:   r.gateway.Name(),
		Reference: trade.Reference,
		Status:    status.Status,
		RawStatus: status.RawStatus,
	})
}

// recheckPayout asks about a payout whose call ended without an answer. A
// payout the trade has no reference for waits for its notification.
func (r *Reconciler) recheckPayout(ctx context.Context, trade *models.Trade) (*Settlement, error) {
	if trade.GatewayTransactionId == "" {
		zap.L().Warn("Payout reference unknown, waiting for notification",
			zap.String("trade_id", trade.Id),
			zap.String("gateway_error", trade.GatewayError))
		return settlementOf(trade), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	payout, err := r.gateway.PayoutStatus(callCtx, trade.GatewayTransactionId)
	cancel()
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "failed to check payout %s", trade.GatewayTransactionId)
	}
	status := gateway.MapPayoutStatus(payout.Status)
	if status == models.TradePending {
		return settlementOf(trade), nil
	}

	return r.HandleEvent(ctx, Event{
		Gateway:   r.gateway.Name(),
		Reference: trade.Reference,
		Status:    status,
		RawStatus: payout.Status,
	})
}
