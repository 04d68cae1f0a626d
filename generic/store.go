/*
store.go - Persistence contract for balance ledger entries

PURPOSE:
  The ledger computes balances by replaying entries; a Store only has to
  keep them. Entries are never edited or removed: a reversal is another
  entry (CreditAdjustment for a cancelled debit, Lapse for expired
  comp-off).

KEYS:
  IdempotencyKey is unique across the store. Scheduler grants, debits,
  reversals and lapses all derive a deterministic key, so a retried write
  fails with ErrDuplicateIdempotencyKey instead of double-posting.

ORDERING:
  Load and LoadRange return (EffectiveAt, Sequence) order. Sequence is
  assigned on append.

IMPLEMENTATIONS:
  - store/sqlite: persistent, one SQL transaction per WithTx
  - generic/store: in-memory, snapshot and restore per WithTx
*/
package generic

import "context"

// Store persists ledger entries for (employee, leave type) pairs.
type Store interface {
	// Append fails with ErrDuplicateIdempotencyKey if the key is taken.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch writes all entries or none.
	AppendBatch(ctx context.Context, txs []Transaction) error

	Load(ctx context.Context, entityID EntityID, policyID PolicyID) ([]Transaction, error)

	// LoadRange is Load restricted to EffectiveAt in [from, to].
	LoadRange(ctx context.Context, entityID EntityID, policyID PolicyID, from, to TimePoint) ([]Transaction, error)

	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore runs fn against a view whose writes commit only if fn returns nil.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ReferenceLookup finds entries by the request, comp-off credit or
// scheduler run that posted them, across every balance.
type ReferenceLookup interface {
	EntriesByReference(ctx context.Context, referenceID string) ([]Transaction, error)
}
