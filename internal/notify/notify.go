// Package notify delivers receipts and emails to wallet owners. Delivery is
// best effort and never affects ledger state.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Dispatcher interface {
	Notify(ctx context.Context, walletId, title, message string) error
	SendEmail(ctx context.Context, address, templateId string, data map[string]string) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, string) error { return nil }
func (Nop) SendEmail(context.Context, string, string, map[string]string) error { return nil }

// Multi fans a message out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, walletId, title, message string) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, walletId, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendEmail(ctx context.Context, address, templateId string, data map[string]string) error {
	var errs []error
	for _, d := range m {
		if err := d.SendEmail(ctx, address, templateId, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs every delivery in its own goroutine, detached from the caller's
// context and bounded by timeout. Failures are logged.
type Async struct {
	next    Dispatcher
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Dispatcher, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

func (a *Async) Notify(_ context.Context, walletId, title, message string) error {
	a.run("notify", func(ctx context.Context) error {
		return a.next.Notify(ctx, walletId, title, message)
	}, zap.String("walletId", walletId))
	return nil
}

func (a *Async) SendEmail(_ context.Context, address, templateId string, data map[string]string) error {
	a.run("email", func(ctx context.Context) error {
		return a.next.SendEmail(ctx, address, templateId, data)
	}, zap.String("templateId", templateId))
	return nil
}

func (a *Async) run(kind string, fn func(ctx context.Context) error, field zap.Field) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			zap.L().Warn("Notification delivery failed", zap.String("kind", kind), field, zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
