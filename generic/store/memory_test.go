package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
)

func tx(at generic.TimePoint, n float64, key, ref string) generic.Transaction {
	return generic.Transaction{
		EntityID:       "emp-1",
		PolicyID:       "annual",
		EffectiveAt:    at,
		Delta:          generic.NewAmount(n, generic.UnitDays),
		Kind:           generic.TxAccrual,
		IdempotencyKey: key,
		ReferenceID:    ref,
	}
}

func TestMemory_LoadOrdersByDateThenWriteOrder(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	mar := generic.NewTimePoint(2025, time.March, 1)
	jan := generic.NewTimePoint(2025, time.January, 1)
	require.NoError(t, m.Append(ctx, tx(mar, 1, "a", "")))
	require.NoError(t, m.Append(ctx, tx(jan, 2, "b", "")))
	require.NoError(t, m.Append(ctx, tx(mar, 3, "c", "")))

	got, err := m.Load(ctx, "emp-1", "annual")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].IdempotencyKey)
	assert.Equal(t, "a", got[1].IdempotencyKey)
	assert.Equal(t, "c", got[2].IdempotencyKey)
	assert.Less(t, got[1].Sequence, got[2].Sequence)

	ranged, err := m.LoadRange(ctx, "emp-1", "annual", mar, mar)
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestMemory_BatchWithRepeatedKeyWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	day := generic.NewTimePoint(2025, time.January, 1)

	err := m.AppendBatch(ctx, []generic.Transaction{tx(day, 1, "k", ""), tx(day, 1, "k", "")})

	if !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	got, _ := m.Load(ctx, "emp-1", "annual")
	assert.Empty(t, got)
}

func TestTxMemory_FailedTransactionRestoresEverything(t *testing.T) {
	// GIVEN: One committed entry for a request
	ctx := context.Background()
	m := store.NewTxMemory()
	day := generic.NewTimePoint(2025, time.January, 1)
	require.NoError(t, m.Append(ctx, tx(day, 5, "grant", "req-1")))

	// WHEN: A transaction writes more entries for it, then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s generic.Store) error {
		if err := s.Append(ctx, tx(day, -1, "debit", "req-1")); err != nil {
			return err
		}
		return boom
	})

	// THEN: Entries, keys and the reference index are as before
	require.ErrorIs(t, err, boom)
	got, _ := m.Load(ctx, "emp-1", "annual")
	assert.Len(t, got, 1)
	exists, _ := m.Exists(ctx, "debit")
	assert.False(t, exists)
	refs, _ := m.EntriesByReference(ctx, "req-1")
	assert.Len(t, refs, 1)

	// The key is free again
	require.NoError(t, m.WithTx(ctx, func(s generic.Store) error {
		return s.Append(ctx, tx(day, -1, "debit", "req-1"))
	}))
	refs, _ = m.EntriesByReference(ctx, "req-1")
	assert.Len(t, refs, 2)
}
