package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mox-ledger-go/internal/failure"
	"mox-ledger-go/internal/models"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/iris"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const MidtransName = "midtrans"

type Midtrans struct {
	snap    snap.Client
	core    coreapi.Client
	iris    iris.Client
	payouts bool
}

var _ Gateway = (*Midtrans)(nil)

func NewMidtrans(cfg models.GatewayConfig) (*Midtrans, error) {
	if cfg.ServerKey == "" {
		return nil, fmt.Errorf("midtrans server key cannot be empty")
	}

	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}

	m := &Midtrans{}
	m.snap.New(cfg.ServerKey, env)
	m.core.New(cfg.ServerKey, env)
	if cfg.IrisKey != "" {
		m.iris.New(cfg.IrisKey, env)
		m.payouts = true
	}

	if cfg.CallTimeout > 0 {
		midtrans.DefaultGoHttpClient.Timeout = cfg.CallTimeout
	}

	return m, nil
}

func (m *Midtrans) Name() string { return MidtransName }

func (m *Midtrans) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: grossAmount(req.Amount),
		},
		CreditCard: &snap.CreditCardDetails{
			Secure: true,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.CustomerName,
			Email: req.CustomerEmail,
		},
	}

	resp, err := call(ctx, func() (*snap.Response, *midtrans.Error) {
		return m.snap.CreateTransaction(snapReq)
	})
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "midtrans charge %s failed", req.Reference)
	}

	zap.L().Info("Created gateway charge",
		zap.String("reference", req.Reference),
		zap.String("amount", req.Amount.String()))

	return &ChargeResult{Success: true, Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

func (m *Midtrans) VerifyStatus(ctx context.Context, reference string) (*PaymentStatus, error) {
	resp, err := call(ctx, func() (*coreapi.TransactionStatusResponse, *midtrans.Error) {
		return m.core.CheckTransaction(reference)
	})
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "midtrans status check %s failed", reference)
	}

	amount, parseErr := decimal.NewFromString(resp.GrossAmount)
	if parseErr != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, parseErr, "midtrans returned unparsable amount %q", resp.GrossAmount)
	}

	return &PaymentStatus{
		Reference:     reference,
		TransactionId: resp.TransactionID,
		Status:        MapStatus(resp.TransactionStatus, resp.FraudStatus),
		RawStatus:     resp.TransactionStatus,
		Amount:        amount,
		Currency:      strings.ToUpper(resp.Currency),
	}, nil
}

func (m *Midtrans) TransferToRecipient(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if !m.payouts {
		return nil, failure.New(failure.ConfigurationError, "payouts are not configured")
	}

	payoutReq := iris.CreatePayoutReq{
		Payouts: []iris.CreatePayoutDetailReq{{
			BeneficiaryName:    req.BeneficiaryName,
			BeneficiaryAccount: req.BeneficiaryAccount,
			BeneficiaryBank:    req.BeneficiaryBank,
			BeneficiaryEmail:   req.BeneficiaryEmail,
			Amount:             req.Amount.StringFixed(2),
			Notes:              req.Notes,
		}},
	}

	resp, err := call(ctx, func() (*iris.CreatePayoutResponse, *midtrans.Error) {
		return m.iris.CreatePayout(payoutReq)
	})
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "midtrans payout %s failed", req.Reference)
	}
	if len(resp.Payouts) == 0 {
		return &PayoutResult{Success: false}, nil
	}

	payout := resp.Payouts[0]
	return &PayoutResult{
		Success:     MapPayoutStatus(payout.Status) != models.TradeFailed,
		ReferenceNo: payout.ReferenceNo,
		Status:      payout.Status,
		Notes:       req.Notes,
	}, nil
}

func (m *Midtrans) PayoutStatus(ctx context.Context, referenceNo string) (*PayoutResult, error) {
	if !m.payouts {
		return nil, failure.New(failure.ConfigurationError, "payouts are not configured")
	}

	resp, err := call(ctx, func() (*iris.PayoutDetailResponse, *midtrans.Error) {
		return m.iris.GetPayoutDetails(referenceNo)
	})
	var mErr *midtrans.Error
	if errors.As(err, &mErr) && mErr.StatusCode == http.StatusNotFound {
		return nil, failure.Wrap(failure.NotFound, err, "payout %s not found", referenceNo)
	}
	if err != nil {
		return nil, failure.Wrap(failure.ExternalServiceFailure, err, "midtrans payout lookup %s failed", referenceNo)
	}
	return &PayoutResult{
		Success:     MapPayoutStatus(resp.Status) != models.TradeFailed,
		ReferenceNo: resp.ReferenceNo,
		Status:      resp.Status,
		Notes:       resp.Notes,
	}, nil
}

// OutcomeUnknown reports whether err leaves open if the provider acted on the
// request. Only a provider answer below 500 or a local refusal is definite.
func OutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	var mErr *midtrans.Error
	if errors.As(err, &mErr) {
		return mErr.StatusCode == 0 || mErr.StatusCode >= 500
	}
	switch failure.ReasonOf(err) {
	case failure.ConfigurationError, failure.Validation:
		return false
	}
	return true
}

// call runs a blocking provider request and gives up when ctx ends. The typed
// provider error is converted here so a nil pointer never becomes a non-nil error.
func call[T any](ctx context.Context, fn func() (T, *midtrans.Error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, mErr := fn()
		if mErr != nil {
			done <- result{value, mErr}
			return
		}
		done <- result{value, nil}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// grossAmount converts to the provider's whole-unit amount.
func grossAmount(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}
