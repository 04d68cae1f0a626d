/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the leave engine consumes with
  one SQLite database. The engine never depends on this package; it is
  one adapter wired in by cmd/server.

INTERFACES IMPLEMENTED:
  generic.TxStore:      Ledger entries (append-only)
  leave.LeaveTypeStore: Leave type versions
  leave.SettingsStore:  Organization settings versions
  leave.EmployeeStore:  Employees
  leave.BlackoutStore:  Blackout periods
  leave.HolidayStore:   Holidays (read by HolidayCalendar)
  leave.RequestStore:   Leave requests with compare-and-set updates
  leave.CompOffStore:   Comp-off credit grants
  leave.RunStore:       Scheduler run records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the ledger_entries table
  - No DELETE statements on the ledger_entries table
  - Corrections via compensating entries only
  Leave types and settings are versioned the same way: every save is an
  INSERT of the next version.

KEY TABLES:
  ledger_entries:  Immutable ledger of all balance changes
  leave_types:     Leave type definitions (versioned, JSON body)
  org_settings:    Organization policy settings (versioned, JSON body)
  leave_requests:  Requests with their approval trail as JSON
  compoff_credits: One row per credited overtime
  scheduler_runs:  One row per (organization, kind, label)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an open
  ledger transaction sees its own writes. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store)

SEE ALSO:
  - generic/store.go: Ledger store interface
  - generic/store/memory.go: In-memory implementation for testing
  - leave/calendar.go: Calendar and HolidayStore
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/leave-engine/generic"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and WithTx
	// reads must go through the open transaction.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		kind TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance replay (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_entity_policy_date
		ON ledger_entries(entity_id, policy_id, effective_at, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS leave_types (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		PRIMARY KEY (id, version)
	);

	CREATE TABLE IF NOT EXISTS org_settings (
		organization_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		body_json TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		PRIMARY KEY (organization_id, version)
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		joining_date TEXT NOT NULL,
		leaving_date TEXT,
		department_id TEXT,
		gender TEXT,
		category TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_org ON employees(organization_id);

	CREATE TABLE IF NOT EXISTS blackouts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		department_id TEXT,
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_holidays_org ON holidays(organization_id);

	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		leave_type_version INTEGER NOT NULL,
		settings_version INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		half_day INTEGER NOT NULL DEFAULT 0,
		slot TEXT,
		note TEXT,
		submitted_on TEXT,
		status TEXT NOT NULL,
		chargeable_days TEXT NOT NULL,
		current_level INTEGER NOT NULL DEFAULT 0,
		trail_json TEXT NOT NULL,
		debit_ref TEXT,
		cancelled_by TEXT,
		cancelled_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_employee ON leave_requests(employee_id, start_date);
	CREATE INDEX IF NOT EXISTS idx_requests_status ON leave_requests(status);

	CREATE TABLE IF NOT EXISTS compoff_credits (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type_id TEXT NOT NULL,
		overtime_id TEXT NOT NULL,
		earned_on TEXT NOT NULL,
		expires_on TEXT NOT NULL,
		quantity TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (employee_id, overtime_id)
	);

	CREATE INDEX IF NOT EXISTS idx_compoff_expires ON compoff_credits(expires_on);

	CREATE TABLE IF NOT EXISTS scheduler_runs (
		id TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		label TEXT NOT NULL,
		status TEXT NOT NULL,
		posted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		PRIMARY KEY (organization_id, kind, label)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data. Used by tests and the demo seed.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"ledger_entries", "leave_types", "org_settings", "employees", "blackouts",
		"holidays", "leave_requests", "compoff_credits", "scheduler_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatDate(tp generic.TimePoint) string {
	return tp.Time.Format(generic.DateLayout)
}

func parseDate(s string) (generic.TimePoint, error) {
	tp, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, fmt.Errorf("corrupt date %q: %w", s, err)
	}
	return tp, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*tp), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func optionalDate(ns sql.NullString) (*generic.TimePoint, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	tp, err := parseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

func optionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
