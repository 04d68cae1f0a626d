// Package store provides an in-memory generic.TxStore for tests and
// embedded use. It keeps the same ordering and idempotency rules as the
// sqlite store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/leave-engine/generic"
)

// ledgerState is everything a transaction may change. WithTx clones it and
// swaps the clone back in on error.
type ledgerState struct {
	entries    map[generic.BalanceKey][]generic.Transaction
	keys       map[string]struct{}
	references map[string][]generic.Transaction
	sequence   int64
}

func newLedgerState() ledgerState {
	return ledgerState{
		entries:    make(map[generic.BalanceKey][]generic.Transaction),
		keys:       make(map[string]struct{}),
		references: make(map[string][]generic.Transaction),
	}
}

func (s ledgerState) clone() ledgerState {
	c := ledgerState{
		entries:    make(map[generic.BalanceKey][]generic.Transaction, len(s.entries)),
		keys:       make(map[string]struct{}, len(s.keys)),
		references: make(map[string][]generic.Transaction, len(s.references)),
		sequence:   s.sequence,
	}
	for k, v := range s.entries {
		c.entries[k] = append([]generic.Transaction(nil), v...)
	}
	for k := range s.keys {
		c.keys[k] = struct{}{}
	}
	for k, v := range s.references {
		c.references[k] = append([]generic.Transaction(nil), v...)
	}
	return c
}

// admit rejects a batch if any key is already stored or repeats within it.
func (s *ledgerState) admit(txs []generic.Transaction) error {
	seen := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		_, stored := s.keys[tx.IdempotencyKey]
		_, repeated := seen[tx.IdempotencyKey]
		if stored || repeated {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
		}
		seen[tx.IdempotencyKey] = struct{}{}
	}
	return nil
}

func (s *ledgerState) write(txs []generic.Transaction) error {
	if err := s.admit(txs); err != nil {
		return err
	}
	for _, tx := range txs {
		s.sequence++
		tx.Sequence = s.sequence

		k := tx.Key()
		list := s.entries[k]
		// Same-day entries keep their write order.
		i := sort.Search(len(list), func(i int) bool {
			return list[i].EffectiveAt.After(tx.EffectiveAt)
		})
		list = append(list, generic.Transaction{})
		copy(list[i+1:], list[i:])
		list[i] = tx
		s.entries[k] = list

		if tx.IdempotencyKey != "" {
			s.keys[tx.IdempotencyKey] = struct{}{}
		}
		if tx.ReferenceID != "" {
			s.references[tx.ReferenceID] = append(s.references[tx.ReferenceID], tx)
		}
	}
	return nil
}

func (s *ledgerState) load(employee generic.EntityID, leaveType generic.PolicyID) []generic.Transaction {
	list := s.entries[generic.BalanceKey{EntityID: employee, PolicyID: leaveType}]
	return append([]generic.Transaction(nil), list...)
}

func (s *ledgerState) loadRange(employee generic.EntityID, leaveType generic.PolicyID, from, to generic.TimePoint) []generic.Transaction {
	var out []generic.Transaction
	for _, tx := range s.entries[generic.BalanceKey{EntityID: employee, PolicyID: leaveType}] {
		if from.BeforeOrEqual(tx.EffectiveAt) && tx.EffectiveAt.BeforeOrEqual(to) {
			out = append(out, tx)
		}
	}
	return out
}

func (s *ledgerState) exists(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// =============================================================================
// MEMORY
// =============================================================================

// Memory is a generic.Store guarded by a single RWMutex.
type Memory struct {
	mu    sync.RWMutex
	state ledgerState
}

func NewMemory() *Memory {
	return &Memory{state: newLedgerState()}
}

func (m *Memory) Append(ctx context.Context, tx generic.Transaction) error {
	return m.AppendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch writes every entry or none of them.
func (m *Memory) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.write(txs)
}

func (m *Memory) Load(_ context.Context, employee generic.EntityID, leaveType generic.PolicyID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.load(employee, leaveType), nil
}

func (m *Memory) LoadRange(_ context.Context, employee generic.EntityID, leaveType generic.PolicyID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadRange(employee, leaveType, from, to), nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.exists(idempotencyKey), nil
}

// EntriesByReference returns entries posted for a request, credit or run
// in write order.
func (m *Memory) EntriesByReference(_ context.Context, referenceID string) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.Transaction(nil), m.state.references[referenceID]...), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TxMemory adds WithTx to Memory. A transaction holds the write lock for
// its whole duration, so transactions never interleave.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	saved := tm.state.clone()
	if err := fn(txView{state: &tm.state}); err != nil {
		tm.state = saved
		return err
	}
	return nil
}

// txView reads and writes the parent's state under the lock WithTx holds.
type txView struct {
	state *ledgerState
}

func (v txView) Append(_ context.Context, tx generic.Transaction) error {
	return v.state.write([]generic.Transaction{tx})
}

func (v txView) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	return v.state.write(txs)
}

func (v txView) Load(_ context.Context, employee generic.EntityID, leaveType generic.PolicyID) ([]generic.Transaction, error) {
	return v.state.load(employee, leaveType), nil
}

func (v txView) LoadRange(_ context.Context, employee generic.EntityID, leaveType generic.PolicyID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return v.state.loadRange(employee, leaveType, from, to), nil
}

func (v txView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return v.state.exists(idempotencyKey), nil
}
