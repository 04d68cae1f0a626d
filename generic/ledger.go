/*
ledger.go - Append-only transaction log with sufficiency checks

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every accrual, debit, adjustment, carry-forward, encashment and lapse is
  recorded here. Balance is always computed by replaying transactions;
  there is no separate balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. ALL-OR-NOTHING: A Batch is written completely or not at all.
  3. NON-NEGATIVE: A batch that would take a balance below zero, at the
     entry date or at any later dated entry, is rejected before writing,
     unless the rule for that balance allows negative.
  4. SERIALIZED: Read-validate-write for one (entity, policy) pair happens
     under a per-key lock, so two concurrent debits cannot both pass the
     check against the same pre-debit balance.

CORRECTIONS:
  Mistakes are compensated, never edited. Cancelling an approved request
  posts a CreditAdjustment equal to the original debit; both remain.

EXAMPLE FLOW:
  1. Jan 1 annual grant:         Accrual +20
  2. Mar 3-4 approved leave:     Debit -2
  3. Leave cancelled:            CreditAdjustment +2
  Balance at Mar 31 = 20.

SEE ALSO:
  - store.go: Low-level persistence interface
  - leave/compoff.go: Comp-off ledger posting through this Ledger
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

type Ledger interface {
	// Post writes a batch atomically after re-validating every touched balance.
	Post(ctx context.Context, batch Batch) ([]TransactionID, error)

	// Transactions returns all transactions for entity+policy, chronologically.
	Transactions(ctx context.Context, entityID EntityID, policyID PolicyID) ([]Transaction, error)

	// BalanceAt is the sum of every transaction dated on or before at.
	BalanceAt(ctx context.Context, entityID EntityID, policyID PolicyID, at TimePoint) (Amount, error)

	// Version is the number of transactions recorded for the balance.
	// Callers pass it back through PostRule.ExpectedVersion for
	// compare-and-swap posting.
	Version(ctx context.Context, entityID EntityID, policyID PolicyID) (int, error)
}

// PostRule tunes validation for one balance touched by a batch.
type PostRule struct {
	AllowNegative bool

	// ExpectedVersion, when set, must equal the balance's current Version.
	ExpectedVersion *int
}

// Batch is the unit of atomic posting. A request touching several leave
// types posts one entry per type in a single Batch.
type Batch struct {
	Entries []Transaction
	Rules   map[BalanceKey]PostRule
}

func (b Batch) keys() []BalanceKey {
	seen := make(map[BalanceKey]bool)
	var keys []BalanceKey
	for _, tx := range b.Entries {
		k := tx.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// =============================================================================
// DEFAULT LEDGER - Implementation using TxStore
// =============================================================================

type DefaultLedger struct {
	Store TxStore
	Now   func() time.Time

	locks KeyedMutex[BalanceKey]
}

func NewLedger(store TxStore) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

func (l *DefaultLedger) Post(ctx context.Context, batch Batch) ([]TransactionID, error) {
	if len(batch.Entries) == 0 {
		return nil, ErrEmptyBatch
	}

	keys := batch.keys()
	unlock := l.locks.LockAll(keys)
	defer unlock()

	entries := make([]Transaction, len(batch.Entries))
	ids := make([]TransactionID, len(batch.Entries))
	now := l.Now()
	for i, tx := range batch.Entries {
		if !tx.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, tx.Kind)
		}
		if tx.ID == "" {
			tx.ID = TransactionID(uuid.NewString())
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.Delta = tx.Delta.InDays()
		entries[i] = tx
		ids[i] = tx.ID
	}

	err := l.Store.WithTx(ctx, func(s Store) error {
		for _, tx := range entries {
			if tx.IdempotencyKey == "" {
				continue
			}
			exists, err := s.Exists(ctx, tx.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
			}
		}

		for _, k := range keys {
			existing, err := s.Load(ctx, k.EntityID, k.PolicyID)
			if err != nil {
				return err
			}
			rule := batch.Rules[k]
			if rule.ExpectedVersion != nil && *rule.ExpectedVersion != len(existing) {
				return fmt.Errorf("%w: %s at version %d, expected %d",
					ErrConcurrencyConflict, k, len(existing), *rule.ExpectedVersion)
			}
			if rule.AllowNegative {
				continue
			}
			if err := validateSufficiency(k, existing, entries); err != nil {
				return err
			}
		}

		return s.AppendBatch(ctx, entries)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// validateSufficiency merges the new entries for k into the existing
// timeline and fails if the balance goes negative on or after the earliest
// new debit.
func validateSufficiency(k BalanceKey, existing, entries []Transaction) error {
	var incoming []Transaction
	var firstDebit *TimePoint
	requested := NewAmount(0, UnitDays)
	for _, tx := range entries {
		if tx.Key() != k {
			continue
		}
		incoming = append(incoming, tx)
		if tx.Delta.IsNegative() {
			requested = requested.Add(tx.Delta.Neg())
			if firstDebit == nil || tx.EffectiveAt.Before(*firstDebit) {
				at := tx.EffectiveAt
				firstDebit = &at
			}
		}
	}
	if firstDebit == nil {
		return nil
	}

	merged := append(append([]Transaction{}, existing...), incoming...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EffectiveAt.Before(merged[j].EffectiveAt)
	})
	timeline := NewTimeline(merged)
	event, balance, negative := timeline.FirstNegativeFrom(*firstDebit)
	if !negative {
		return nil
	}

	before := NewTimeline(existing)
	available := before.BalanceAt(event.At)
	return &InsufficientBalanceError{
		EntityID:  k.EntityID,
		PolicyID:  k.PolicyID,
		At:        event.At,
		Available: available,
		Requested: requested,
		Shortfall: balance.Neg(),
	}
}

func (l *DefaultLedger) Transactions(ctx context.Context, entityID EntityID, policyID PolicyID) ([]Transaction, error) {
	return l.Store.Load(ctx, entityID, policyID)
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, entityID EntityID, policyID PolicyID, at TimePoint) (Amount, error) {
	txs, err := l.Store.Load(ctx, entityID, policyID)
	if err != nil {
		return Amount{}, err
	}
	timeline := NewTimeline(txs)
	return timeline.BalanceAt(at), nil
}

func (l *DefaultLedger) Version(ctx context.Context, entityID EntityID, policyID PolicyID) (int, error) {
	txs, err := l.Store.Load(ctx, entityID, policyID)
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

// =============================================================================
// KEYED MUTEX - Per-key serialization boundary
// =============================================================================

// KeyedMutex hands out one mutex per key and forgets it once no goroutine
// holds or waits on it.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex[K]) Lock(key K) func() {
	return k.LockAll([]K{key})
}

// LockAll acquires keys in the given order. Callers sort keys so two
// batches touching the same balances cannot deadlock.
func (k *KeyedMutex[K]) LockAll(keys []K) func() {
	held := make([]*refMutex, 0, len(keys))
	for _, key := range keys {
		m := k.acquire(key)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			k.release(keys[i])
		}
	}
}

func (k *KeyedMutex[K]) acquire(key K) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[K]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	return m
}

func (k *KeyedMutex[K]) release(key K) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m := k.locks[key]
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
}
