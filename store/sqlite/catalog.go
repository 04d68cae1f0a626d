package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// LEAVE TYPE STORE (versioned)
// =============================================================================

// SaveLeaveType inserts lt as a new version. Saving an existing
// (id, version) pair is a concurrency conflict: two editors raced.
func (s *Store) SaveLeaveType(ctx context.Context, lt leave.LeaveType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(lt)
	if err != nil {
		return fmt.Errorf("encode leave type: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leave_types (id, version, body_json, effective_at) VALUES (?, ?, ?, ?)`,
		lt.ID, lt.Version, string(body), formatTime(lt.EffectiveAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: leave type %s version %d already stored", generic.ErrConcurrencyConflict, lt.ID, lt.Version)
	}
	return err
}

func (s *Store) GetLeaveType(ctx context.Context, id generic.PolicyID) (leave.LeaveType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanLeaveType(s.db.QueryRowContext(ctx,
		`SELECT body_json FROM leave_types WHERE id = ? ORDER BY version DESC LIMIT 1`, id))
}

func (s *Store) GetLeaveTypeVersion(ctx context.Context, id generic.PolicyID, version int) (leave.LeaveType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanLeaveType(s.db.QueryRowContext(ctx,
		`SELECT body_json FROM leave_types WHERE id = ? AND version = ?`, id, version))
}

// ListLeaveTypes returns the latest version of every leave type, by id.
func (s *Store) ListLeaveTypes(ctx context.Context) ([]leave.LeaveType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT lt.body_json FROM leave_types lt
		JOIN (SELECT id, MAX(version) AS version FROM leave_types GROUP BY id) latest
		  ON lt.id = latest.id AND lt.version = latest.version
		ORDER BY lt.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list leave types: %w", err)
	}
	defer rows.Close()

	var out []leave.LeaveType
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var lt leave.LeaveType
		if err := json.Unmarshal([]byte(body), &lt); err != nil {
			return nil, fmt.Errorf("decode leave type: %w", err)
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func (s *Store) scanLeaveType(row *sql.Row) (leave.LeaveType, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leave.LeaveType{}, leave.ErrLeaveTypeNotFound
		}
		return leave.LeaveType{}, err
	}
	var lt leave.LeaveType
	if err := json.Unmarshal([]byte(body), &lt); err != nil {
		return leave.LeaveType{}, fmt.Errorf("decode leave type: %w", err)
	}
	return lt, nil
}

// =============================================================================
// SETTINGS STORE (versioned)
// =============================================================================

func (s *Store) SaveSettings(ctx context.Context, settings leave.OrganizationPolicySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO org_settings (organization_id, version, body_json, effective_at) VALUES (?, ?, ?, ?)`,
		settings.OrganizationID, settings.Version, string(body), formatTime(settings.EffectiveAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: settings for %s version %d already stored",
			generic.ErrConcurrencyConflict, settings.OrganizationID, settings.Version)
	}
	return err
}

func (s *Store) GetSettings(ctx context.Context, organizationID string) (leave.OrganizationPolicySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSettings(s.db.QueryRowContext(ctx,
		`SELECT body_json FROM org_settings WHERE organization_id = ? ORDER BY version DESC LIMIT 1`, organizationID))
}

func (s *Store) GetSettingsVersion(ctx context.Context, organizationID string, version int) (leave.OrganizationPolicySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanSettings(s.db.QueryRowContext(ctx,
		`SELECT body_json FROM org_settings WHERE organization_id = ? AND version = ?`, organizationID, version))
}

func scanSettings(row *sql.Row) (leave.OrganizationPolicySettings, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leave.OrganizationPolicySettings{}, leave.ErrSettingsNotFound
		}
		return leave.OrganizationPolicySettings{}, err
	}
	var settings leave.OrganizationPolicySettings
	if err := json.Unmarshal([]byte(body), &settings); err != nil {
		return leave.OrganizationPolicySettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// =============================================================================
// BLACKOUT STORE
// =============================================================================

func (s *Store) SaveBlackout(ctx context.Context, b leave.BlackoutPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blackouts (id, organization_id, name, start_date, end_date, enabled, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			enabled = excluded.enabled,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		b.ID, b.OrganizationID, b.Name, formatDate(b.Start), formatDate(b.End),
		b.Enabled, b.Version, formatTime(b.UpdatedAt),
	)
	return err
}

const selectBlackouts = `
	SELECT id, organization_id, name, start_date, end_date, enabled, version, updated_at
	FROM blackouts`

func (s *Store) GetBlackout(ctx context.Context, id string) (leave.BlackoutPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryBlackouts(ctx, selectBlackouts+` WHERE id = ?`, id)
	if err != nil {
		return leave.BlackoutPeriod{}, err
	}
	if len(out) == 0 {
		return leave.BlackoutPeriod{}, leave.ErrBlackoutNotFound
	}
	return out[0], nil
}

func (s *Store) ListBlackouts(ctx context.Context, organizationID string) ([]leave.BlackoutPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryBlackouts(ctx, selectBlackouts+` WHERE organization_id = ? ORDER BY start_date, id`, organizationID)
}

func (s *Store) queryBlackouts(ctx context.Context, query string, args ...any) ([]leave.BlackoutPeriod, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blackouts: %w", err)
	}
	defer rows.Close()

	var out []leave.BlackoutPeriod
	for rows.Next() {
		var (
			b                 leave.BlackoutPeriod
			start, end, stamp string
		)
		if err := rows.Scan(&b.ID, &b.OrganizationID, &b.Name, &start, &end, &b.Enabled, &b.Version, &stamp); err != nil {
			return nil, err
		}
		if b.Start, err = parseDate(start); err != nil {
			return nil, err
		}
		if b.End, err = parseDate(end); err != nil {
			return nil, err
		}
		if b.UpdatedAt, err = parseTime(stamp); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// HOLIDAY STORE
// =============================================================================

// SaveHoliday inserts or replaces h by id.
func (s *Store) SaveHoliday(ctx context.Context, h leave.Holiday) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holidays (id, organization_id, department_id, date, name, recurring)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			department_id = excluded.department_id,
			date = excluded.date,
			name = excluded.name,
			recurring = excluded.recurring`,
		h.ID, h.OrganizationID, nullString(h.DepartmentID), formatDate(h.Date), h.Name, h.Recurring,
	)
	return err
}

func (s *Store) DeleteHoliday(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM holidays WHERE id = ?", id)
	return err
}

func (s *Store) ListHolidays(ctx context.Context, organizationID string) ([]leave.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, department_id, date, name, recurring
		FROM holidays WHERE organization_id = ? ORDER BY date, id`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holidays: %w", err)
	}
	defer rows.Close()

	var out []leave.Holiday
	for rows.Next() {
		var (
			h    leave.Holiday
			dept sql.NullString
			date string
		)
		if err := rows.Scan(&h.ID, &h.OrganizationID, &dept, &date, &h.Name, &h.Recurring); err != nil {
			return nil, err
		}
		h.DepartmentID = dept.String
		if h.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// HOLIDAY CALENDAR (leave.Calendar)
// =============================================================================

// HolidayCalendar classifies dates from the holidays table and the
// organization's configured weekend days.
type HolidayCalendar struct {
	Holidays       leave.HolidayStore
	Settings       leave.SettingsStore
	OrganizationID string
}

func NewHolidayCalendar(store *Store, organizationID string) *HolidayCalendar {
	return &HolidayCalendar{Holidays: store, Settings: store, OrganizationID: organizationID}
}

func (c *HolidayCalendar) Classify(ctx context.Context, date generic.TimePoint, departmentID string) (leave.DayKind, error) {
	settings, err := leave.LoadSettings(ctx, c.Settings, c.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("load weekend days: %w", err)
	}
	holidays, err := c.Holidays.ListHolidays(ctx, c.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("load holidays: %w", err)
	}
	return leave.ClassifyDate(date, departmentID, settings.WeekendDays, holidays), nil
}
