// Package lock provides the run-lock that keeps two scheduler runs for the
// same organization and period from executing at once. Memory serves a
// single process; Redis serves several replicas sharing one store.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned by TryLock when another owner holds the key.
var ErrLocked = errors.New("lock held by another owner")

// Unlock releases a lock. Releasing a lock that expired and was taken by
// someone else is a no-op.
type Unlock func(ctx context.Context) error

type Locker interface {
	// TryLock takes key for at most ttl without waiting.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// =============================================================================
// MEMORY LOCKER
// =============================================================================

type Memory struct {
	Now func() time.Time

	mu   sync.Mutex
	held map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{Now: time.Now, held: make(map[string]lease)}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	m.held[key] = lease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.held[key]; ok && l.token == token {
			delete(m.held, key)
		}
		return nil
	}, nil
}
