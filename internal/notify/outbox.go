package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	kindPush  = "push"
	kindEmail = "email"
)

// Outbox appends messages to a Redis stream for an external mailer or push
// worker to consume.
type Outbox struct {
	rdb    redis.UniversalClient
	stream string
}

var _ Dispatcher = (*Outbox)(nil)

func NewOutbox(rdb redis.UniversalClient, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

func (o *Outbox) Notify(ctx context.Context, walletId, title, message string) error {
	return o.add(ctx, map[string]any{
		"kind":      kindPush,
		"wallet_id": walletId,
		"title":     title,
		"message":   message,
	})
}

func (o *Outbox) SendEmail(ctx context.Context, address, templateId string, data map[string]string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}
	return o.add(ctx, map[string]any{
		"kind":        kindEmail,
		"address":     address,
		"template_id": templateId,
		"data":        string(payload),
	})
}

func (o *Outbox) add(ctx context.Context, values map[string]any) error {
	values["ts"] = time.Now().UnixMilli()
	if err := o.rdb.XAdd(ctx, &redis.XAddArgs{Stream: o.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to append to outbox %s: %w", o.stream, err)
	}
	return nil
}
