package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// EMPLOYEE STORE
// =============================================================================

// CreateEmployee fails with generic.ErrConcurrencyConflict when the id is taken.
func (s *Store) CreateEmployee(ctx context.Context, e leave.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees
		(id, organization_id, name, joining_date, leaving_date, department_id, gender, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, e.Name, formatDate(e.JoiningDate), nullDate(e.LeavingDate),
		nullString(e.DepartmentID), nullString(string(e.Gender)), nullString(e.Category), formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: employee %s already exists", generic.ErrConcurrencyConflict, e.ID)
	}
	return err
}

const selectEmployees = `
	SELECT id, organization_id, name, joining_date, leaving_date, department_id, gender, category, created_at
	FROM employees`

func (s *Store) GetEmployee(ctx context.Context, id generic.EntityID) (leave.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryEmployees(ctx, selectEmployees+` WHERE id = ?`, id)
	if err != nil {
		return leave.Employee{}, err
	}
	if len(out) == 0 {
		return leave.Employee{}, leave.ErrEmployeeNotFound
	}
	return out[0], nil
}

func (s *Store) ListEmployees(ctx context.Context, organizationID string) ([]leave.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEmployees(ctx, selectEmployees+` WHERE organization_id = ? ORDER BY id`, organizationID)
}

func (s *Store) queryEmployees(ctx context.Context, query string, args ...any) ([]leave.Employee, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var out []leave.Employee
	for rows.Next() {
		var (
			e                        leave.Employee
			joining, created         string
			leaving, dept, gen, cate sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Name, &joining, &leaving, &dept, &gen, &cate, &created); err != nil {
			return nil, err
		}
		if e.JoiningDate, err = parseDate(joining); err != nil {
			return nil, err
		}
		if e.LeavingDate, err = optionalDate(leaving); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		e.DepartmentID = dept.String
		e.Gender = leave.Gender(gen.String)
		e.Category = cate.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, employee_id, organization_id, leave_type_id, leave_type_version, settings_version,
	start_date, end_date, half_day, slot, note, submitted_on, status, chargeable_days,
	current_level, trail_json, debit_ref, cancelled_by, cancelled_at, version, created_at, updated_at`

func requestArgs(r leave.LeaveRequest) ([]any, error) {
	trail, err := json.Marshal(r.Trail)
	if err != nil {
		return nil, fmt.Errorf("encode approval trail: %w", err)
	}
	var submitted sql.NullString
	if !r.SubmittedOn.IsZero() {
		submitted = sql.NullString{String: formatDate(r.SubmittedOn), Valid: true}
	}
	return []any{
		r.ID, r.EmployeeID, r.OrganizationID, r.LeaveTypeID, r.LeaveTypeVersion, r.SettingsVersion,
		formatDate(r.Start), formatDate(r.End), r.HalfDay, nullString(string(r.Slot)), nullString(r.Note),
		submitted, r.Status, r.ChargeableDays.String(),
		r.CurrentLevel, string(trail), nullString(r.DebitRef), nullString(r.CancelledBy), nullTime(r.CancelledAt),
		r.Version, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	}, nil
}

func (s *Store) CreateRequest(ctx context.Context, r leave.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leave_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: request %s already exists", generic.ErrConcurrencyConflict, r.ID)
	}
	return err
}

// UpdateRequest replaces the row only while its version still equals
// expectedVersion.
func (s *Store) UpdateRequest(ctx context.Context, r leave.LeaveRequest, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Version = expectedVersion + 1
	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	// Skip id; it goes last for the WHERE clause.
	args = append(args[1:], r.ID, expectedVersion)

	res, err := s.db.ExecContext(ctx, `
		UPDATE leave_requests SET
			employee_id = ?, organization_id = ?, leave_type_id = ?, leave_type_version = ?, settings_version = ?,
			start_date = ?, end_date = ?, half_day = ?, slot = ?, note = ?, submitted_on = ?, status = ?,
			chargeable_days = ?, current_level = ?, trail_json = ?, debit_ref = ?, cancelled_by = ?,
			cancelled_at = ?, version = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update request %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leave_requests WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return leave.ErrRequestNotFound
	}
	return fmt.Errorf("%w: request %s changed since version %d", generic.ErrConcurrencyConflict, r.ID, expectedVersion)
}

func (s *Store) GetRequest(ctx context.Context, id string) (leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryRequests(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	if err != nil {
		return leave.LeaveRequest{}, err
	}
	if len(out) == 0 {
		return leave.LeaveRequest{}, leave.ErrRequestNotFound
	}
	return out[0], nil
}

func (s *Store) ListRequestsByEmployee(ctx context.Context, employeeID generic.EntityID) ([]leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE employee_id = ? ORDER BY start_date, created_at`, employeeID)
}

func (s *Store) ListRequestsByStatus(ctx context.Context, status leave.RequestStatus) ([]leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE status = ? ORDER BY created_at`, status)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]leave.LeaveRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(rows *sql.Rows) (leave.LeaveRequest, error) {
	var (
		r                                    leave.LeaveRequest
		start, end, days, trail              string
		created, updated                     string
		slot, note, submitted, debit, by, at sql.NullString
	)
	err := rows.Scan(
		&r.ID, &r.EmployeeID, &r.OrganizationID, &r.LeaveTypeID, &r.LeaveTypeVersion, &r.SettingsVersion,
		&start, &end, &r.HalfDay, &slot, &note, &submitted, &r.Status, &days,
		&r.CurrentLevel, &trail, &debit, &by, &at, &r.Version, &created, &updated,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan request: %w", err)
	}

	if r.Start, err = parseDate(start); err != nil {
		return r, err
	}
	if r.End, err = parseDate(end); err != nil {
		return r, err
	}
	if submitted.Valid {
		if r.SubmittedOn, err = parseDate(submitted.String); err != nil {
			return r, err
		}
	}
	if r.ChargeableDays, err = decimal.NewFromString(days); err != nil {
		return r, fmt.Errorf("request %s chargeable days: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(trail), &r.Trail); err != nil {
		return r, fmt.Errorf("request %s approval trail: %w", r.ID, err)
	}
	if r.CancelledAt, err = optionalTime(at); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	r.Slot = leave.HalfDaySlot(slot.String)
	r.Note = note.String
	r.DebitRef = debit.String
	r.CancelledBy = by.String
	return r, nil
}

// =============================================================================
// COMP-OFF CREDIT STORE
// =============================================================================

func (s *Store) CreateCredit(ctx context.Context, c leave.CompOffCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compoff_credits
		(id, employee_id, leave_type_id, overtime_id, earned_on, expires_on, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EmployeeID, c.LeaveTypeID, c.OvertimeID, formatDate(c.EarnedOn), formatDate(c.ExpiresOn),
		c.Quantity.String(), formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", leave.ErrDuplicateOvertime, c.OvertimeID)
	}
	return err
}

const selectCredits = `
	SELECT id, employee_id, leave_type_id, overtime_id, earned_on, expires_on, quantity, created_at
	FROM compoff_credits`

func (s *Store) GetCreditByOvertime(ctx context.Context, employeeID generic.EntityID, overtimeID string) (leave.CompOffCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryCredits(ctx, selectCredits+` WHERE employee_id = ? AND overtime_id = ?`, employeeID, overtimeID)
	if err != nil {
		return leave.CompOffCredit{}, err
	}
	if len(out) == 0 {
		return leave.CompOffCredit{}, leave.ErrCreditNotFound
	}
	return out[0], nil
}

// ListCredits returns an employee's credits oldest first.
func (s *Store) ListCredits(ctx context.Context, employeeID generic.EntityID) ([]leave.CompOffCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCredits(ctx, selectCredits+` WHERE employee_id = ? ORDER BY earned_on, created_at`, employeeID)
}

// ListCreditsExpiredBy returns credits whose last usable day is before asOf.
func (s *Store) ListCreditsExpiredBy(ctx context.Context, asOf generic.TimePoint) ([]leave.CompOffCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCredits(ctx, selectCredits+` WHERE expires_on < ? ORDER BY expires_on, id`, formatDate(asOf))
}

func (s *Store) queryCredits(ctx context.Context, query string, args ...any) ([]leave.CompOffCredit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query comp-off credits: %w", err)
	}
	defer rows.Close()

	var out []leave.CompOffCredit
	for rows.Next() {
		var (
			c                             leave.CompOffCredit
			earned, expires, qty, created string
		)
		if err := rows.Scan(&c.ID, &c.EmployeeID, &c.LeaveTypeID, &c.OvertimeID, &earned, &expires, &qty, &created); err != nil {
			return nil, err
		}
		if c.EarnedOn, err = parseDate(earned); err != nil {
			return nil, err
		}
		if c.ExpiresOn, err = parseDate(expires); err != nil {
			return nil, err
		}
		if c.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("credit %s quantity: %w", c.ID, err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// SCHEDULER RUN STORE
// =============================================================================

// SaveRun upserts on (organization, kind, label).
func (s *Store) SaveRun(ctx context.Context, run leave.SchedulerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_runs
		(id, organization_id, kind, label, status, posted, skipped, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, kind, label) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			posted = excluded.posted,
			skipped = excluded.skipped,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.OrganizationID, run.Kind, run.Label, run.Status, run.Posted, run.Skipped,
		nullString(run.Error), formatTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

const selectRuns = `
	SELECT id, organization_id, kind, label, status, posted, skipped, error, started_at, finished_at
	FROM scheduler_runs`

func (s *Store) GetRun(ctx context.Context, organizationID string, kind leave.RunKind, label string) (leave.SchedulerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryRuns(ctx, selectRuns+` WHERE organization_id = ? AND kind = ? AND label = ?`, organizationID, kind, label)
	if err != nil {
		return leave.SchedulerRun{}, err
	}
	if len(out) == 0 {
		return leave.SchedulerRun{}, leave.ErrRunNotFound
	}
	return out[0], nil
}

func (s *Store) ListRuns(ctx context.Context, organizationID string) ([]leave.SchedulerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRuns(ctx, selectRuns+` WHERE organization_id = ? ORDER BY started_at DESC`, organizationID)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]leave.SchedulerRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler runs: %w", err)
	}
	defer rows.Close()

	var out []leave.SchedulerRun
	for rows.Next() {
		var (
			run             leave.SchedulerRun
			started         string
			errText, finish sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.OrganizationID, &run.Kind, &run.Label, &run.Status,
			&run.Posted, &run.Skipped, &errText, &started, &finish); err != nil {
			return nil, err
		}
		run.Error = errText.String
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = optionalTime(finish); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
