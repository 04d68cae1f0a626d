package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// LEDGER STORE (generic.Store interface)
// =============================================================================

const selectEntries = `
	SELECT seq, id, entity_id, policy_id, effective_at, delta_value, delta_unit,
	       kind, reference_id, reason, idempotency_key, metadata_json, created_by, created_at
	FROM ledger_entries`

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.AppendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch adds multiple entries atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := appendEntries(ctx, sqlTx, txs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func appendEntries(ctx context.Context, q querier, txs []generic.Transaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
		}
		seen[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if err := appendEntry(ctx, q, tx); err != nil {
			return err
		}
	}
	return nil
}

func appendEntry(ctx context.Context, q querier, tx generic.Transaction) error {
	var metadata sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, entity_id, policy_id, effective_at, delta_value, delta_unit, kind,
		 reference_id, reason, idempotency_key, metadata_json, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.EntityID,
		tx.PolicyID,
		formatDate(tx.EffectiveAt),
		tx.Delta.Value.String(),
		tx.Delta.Unit,
		tx.Kind,
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		metadata,
		nullString(tx.CreatedBy),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, tx.IdempotencyKey)
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Load returns every entry for an entity+policy by effective date, then by
// write order within a date.
func (s *Store) Load(ctx context.Context, entityID generic.EntityID, policyID generic.PolicyID) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntries(ctx, s.db, entityID, policyID)
}

func (s *Store) LoadRange(ctx context.Context, entityID generic.EntityID, policyID generic.PolicyID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadEntryRange(ctx, s.db, entityID, policyID, from, to)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyExists(ctx, s.db, idempotencyKey)
}

// EntriesByReference returns every entry carrying referenceID, across all
// balances, in write order.
func (s *Store) EntriesByReference(ctx context.Context, referenceID string) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, selectEntries+` WHERE reference_id = ? ORDER BY seq`, referenceID)
}

func loadEntries(ctx context.Context, q querier, entityID generic.EntityID, policyID generic.PolicyID) ([]generic.Transaction, error) {
	return queryEntries(ctx, q, selectEntries+`
		WHERE entity_id = ? AND policy_id = ?
		ORDER BY effective_at ASC, seq ASC`, entityID, policyID)
}

func loadEntryRange(ctx context.Context, q querier, entityID generic.EntityID, policyID generic.PolicyID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return queryEntries(ctx, q, selectEntries+`
		WHERE entity_id = ? AND policy_id = ?
		  AND effective_at >= ? AND effective_at <= ?
		ORDER BY effective_at ASC, seq ASC`,
		entityID, policyID, formatDate(from), formatDate(to))
}

func keyExists(ctx context.Context, q querier, idempotencyKey string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.Transaction
	for rows.Next() {
		tx, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, tx)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		effectiveAt    string
		deltaValue     string
		deltaUnit      string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.Sequence, &tx.ID, &tx.EntityID, &tx.PolicyID,
		&effectiveAt, &deltaValue, &deltaUnit, &tx.Kind,
		&referenceID, &reason, &idempotencyKey, &metadataJSON, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if tx.EffectiveAt, err = parseDate(effectiveAt); err != nil {
		return tx, err
	}
	value, err := decimal.NewFromString(deltaValue)
	if err != nil {
		return tx, fmt.Errorf("ledger entry %s: %w", tx.ID, err)
	}
	tx.Delta = generic.Amount{Value: value, Unit: generic.Unit(deltaUnit)}
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("ledger entry %s metadata: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx runs fn inside one database transaction. Reads made through the
// store handed to fn see the transaction's own writes.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs with the parent's write lock already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Append(ctx context.Context, tx generic.Transaction) error {
	return appendEntries(ctx, ts.tx, []generic.Transaction{tx})
}

func (ts *txStore) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return appendEntries(ctx, ts.tx, txs)
}

func (ts *txStore) Load(ctx context.Context, entityID generic.EntityID, policyID generic.PolicyID) ([]generic.Transaction, error) {
	return loadEntries(ctx, ts.tx, entityID, policyID)
}

func (ts *txStore) LoadRange(ctx context.Context, entityID generic.EntityID, policyID generic.PolicyID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return loadEntryRange(ctx, ts.tx, entityID, policyID, from, to)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}
