package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recorder struct {
	mu     sync.Mutex
	titles []string
	emails []string
	err    error
}

func (r *recorder) Notify(_ context.Context, _, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recorder) SendEmail(_ context.Context, address, _ string, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, address)
	return r.err
}

func TestMultiFansOut(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("down")}

	err := Multi{a, b}.Notify(context.Background(), "w1", "Received", "10 USDX")
	if err == nil {
		t.Fatalf("expected joined error from failing dispatcher")
	}
	if len(a.titles) != 1 || len(b.titles) != 1 {
		t.Errorf("expected both dispatchers to be called, got %d and %d", len(a.titles), len(b.titles))
	}
}

func TestAsyncNeverFails(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	async := NewAsync(rec, time.Second)

	if err := async.Notify(context.Background(), "w1", "Sent", "msg"); err != nil {
		t.Fatalf("async notify must not return errors: %v", err)
	}
	if err := async.SendEmail(context.Background(), "a@b.com", "tpl", nil); err != nil {
		t.Fatalf("async email must not return errors: %v", err)
	}
	async.Wait()

	if len(rec.titles) != 1 || len(rec.emails) != 1 {
		t.Errorf("expected one delivery of each kind, got %d and %d", len(rec.titles), len(rec.emails))
	}
}

func TestAsyncDetachesFromCallerContext(t *testing.T) {
	rec := &recorder{}
	async := NewAsync(rec, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = async.Notify(ctx, "w1", "Sent", "msg")
	async.Wait()

	if len(rec.titles) != 1 {
		t.Errorf("expected delivery despite cancelled caller context")
	}
}

type fakeTokens map[string][]string

func (f fakeTokens) GetDeviceTokens(_ context.Context, walletId string) ([]string, error) {
	return f[walletId], nil
}

type fakeSender struct {
	sent []*messaging.Message
}

func (f *fakeSender) Send(_ context.Context, message *messaging.Message) (string, error) {
	f.sent = append(f.sent, message)
	return "msg-id", nil
}

func TestPushSendsToEveryDevice(t *testing.T) {
	sender := &fakeSender{}
	p := &Push{tokens: fakeTokens{"w1": {"t1", "t2"}}, sender: sender}

	if err := p.Notify(context.Background(), "w1", "Received", "You received 39.6 USDX"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sender.sent))
	}
	if sender.sent[0].Notification.Title != "Received" || sender.sent[1].Token != "t2" {
		t.Errorf("unexpected message %+v", sender.sent[0])
	}

	if err := p.Notify(context.Background(), "nobody", "x", "y"); err != nil {
		t.Errorf("no devices should not be an error: %v", err)
	}
}

func TestOutboxAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	o := NewOutbox(rdb, "ledger:outbox")
	ctx := context.Background()

	if err := o.Notify(ctx, "w1", "Received", "msg"); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if err := o.SendEmail(ctx, "x@y.com", "pending-credit", map[string]string{"amount": "10"}); err != nil {
		t.Fatalf("email failed: %v", err)
	}

	entries, err := rdb.XRange(ctx, "ledger:outbox", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Values["kind"] != kindPush || entries[1].Values["kind"] != kindEmail {
		t.Errorf("unexpected kinds %v %v", entries[0].Values["kind"], entries[1].Values["kind"])
	}

	var data map[string]string
	if err := json.Unmarshal([]byte(entries[1].Values["data"].(string)), &data); err != nil {
		t.Fatalf("bad email payload: %v", err)
	}
	if data["amount"] != "10" {
		t.Errorf("expected amount 10, got %s", data["amount"])
	}
}
