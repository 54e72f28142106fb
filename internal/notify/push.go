package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type tokenSource interface {
	GetDeviceTokens(ctx context.Context, walletId string) ([]string, error)
}

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Push delivers notifications through Firebase Cloud Messaging to every device
// registered for the wallet.
type Push struct {
	tokens tokenSource
	sender messageSender
}

var _ Dispatcher = (*Push)(nil)

func NewPush(ctx context.Context, credentialsFile string, tokens tokenSource) (*Push, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("firebase credentials file cannot be empty")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	zap.L().Info("Firebase cloud messaging ready")
	return &Push{tokens: tokens, sender: client}, nil
}

func (p *Push) Notify(ctx context.Context, walletId, title, message string) error {
	tokens, err := p.tokens.GetDeviceTokens(ctx, walletId)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}

	var errs []error
	for _, token := range tokens {
		msg := &messaging.Message{
			Token: token,
			Notification: &messaging.Notification{
				Title: title,
				Body:  message,
			},
			Data: map[string]string{"walletId": walletId},
		}
		if _, err := p.sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("send to device failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SendEmail is not a push concern.
func (p *Push) SendEmail(context.Context, string, string, map[string]string) error {
	return nil
}
