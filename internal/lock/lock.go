// Package lock serializes access to shared ledger resources such as the
// grand vault account secret.
package lock

import (
	"context"
	"sync"
)

// GrandVault is the key every user of the grand vault secret locks on.
const GrandVault = "grand-vault"

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *Local) Acquire(ctx context.Context, key string) (Unlock, error) {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}, nil
}
