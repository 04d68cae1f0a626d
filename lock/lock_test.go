package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/lock"
)

func TestMemory_SecondOwnerIsRefused(t *testing.T) {
	ctx := context.Background()
	m := lock.NewMemory()

	unlock, err := m.TryLock(ctx, "org-1:accrual_monthly:2025-03", time.Minute)
	require.NoError(t, err)

	_, err = m.TryLock(ctx, "org-1:accrual_monthly:2025-03", time.Minute)
	assert.ErrorIs(t, err, lock.ErrLocked)

	// A different period is independent.
	other, err := m.TryLock(ctx, "org-1:accrual_monthly:2025-04", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	again, err := m.TryLock(ctx, "org-1:accrual_monthly:2025-03", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemory_ExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	m := lock.NewMemory()
	m.Now = func() time.Time { return now }

	stale, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := m.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale owner's release must not free the new lease.
	require.NoError(t, stale(ctx))
	_, err = m.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, lock.ErrLocked)
	require.NoError(t, fresh(ctx))
}

func newRedisLock(t *testing.T) (*lock.Redis, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	r := lock.NewRedis(client)
	r.Token = func() string { return "token-1" }
	return r, mock
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	r, mock := newRedisLock(t)
	key := "leave:lock:org-1:year_end:2025"

	mock.ExpectSetNX(key, "token-1", 10*time.Minute).SetVal(true)
	mock.ExpectEvalSha(lock.ReleaseHash(), []string{key}, "token-1").SetVal(int64(1))

	unlock, err := r.TryLock(ctx, "org-1:year_end:2025", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_HeldElsewhere(t *testing.T) {
	ctx := context.Background()
	r, mock := newRedisLock(t)

	mock.ExpectSetNX("leave:lock:org-1:year_end:2025", "token-1", time.Minute).SetVal(false)

	_, err := r.TryLock(ctx, "org-1:year_end:2025", time.Minute)
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_ServerError(t *testing.T) {
	ctx := context.Background()
	r, mock := newRedisLock(t)

	mock.ExpectSetNX("leave:lock:k", "token-1", time.Minute).SetErr(errors.New("connection refused"))

	_, err := r.TryLock(ctx, "k", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lock.ErrLocked)
}
