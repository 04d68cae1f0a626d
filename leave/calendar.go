package leave

import (
	"context"
	"time"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// CALENDAR PROVIDER - Consumed interface
// =============================================================================

type DayKind string

const (
	DayWorking DayKind = "working"
	DayWeekend DayKind = "weekend"
	DayHoliday DayKind = "holiday"
)

// Calendar classifies dates for an employee's department. An error means
// the calendar is unknown for that date; evaluation fails hard.
type Calendar interface {
	Classify(ctx context.Context, date generic.TimePoint, departmentID string) (DayKind, error)
}

// Holiday is a non-working date, company-wide when DepartmentID is empty.
type Holiday struct {
	ID             string
	OrganizationID string
	DepartmentID   string
	Date           generic.TimePoint
	Name           string
	Recurring      bool // same month/day every year
}

// HolidayStore persists the holiday list a stored calendar reads from.
// SaveHoliday inserts or replaces by id.
type HolidayStore interface {
	SaveHoliday(ctx context.Context, h Holiday) error
	ListHolidays(ctx context.Context, organizationID string) ([]Holiday, error)
}

// AppliesTo reports whether h makes date a holiday for departmentID.
func (h Holiday) AppliesTo(date generic.TimePoint, departmentID string) bool {
	if h.DepartmentID != "" && h.DepartmentID != departmentID {
		return false
	}
	if h.Recurring {
		return h.Date.Month() == date.Month() && h.Date.Day() == date.Day()
	}
	return h.Date.Equal(date)
}

// StaticCalendar is an in-memory Calendar over a weekend set and a holiday list.
type StaticCalendar struct {
	Weekend  []time.Weekday
	Holidays []Holiday
}

func NewStaticCalendar(weekend []time.Weekday, holidays ...Holiday) *StaticCalendar {
	return &StaticCalendar{Weekend: weekend, Holidays: holidays}
}

func (c *StaticCalendar) Classify(_ context.Context, date generic.TimePoint, departmentID string) (DayKind, error) {
	return ClassifyDate(date, departmentID, c.Weekend, c.Holidays), nil
}

// ClassifyDate applies holidays before weekends, so a holiday on a Saturday
// reports Holiday. Both are non-working for charging purposes.
func ClassifyDate(date generic.TimePoint, departmentID string, weekend []time.Weekday, holidays []Holiday) DayKind {
	for _, h := range holidays {
		if h.AppliesTo(date, departmentID) {
			return DayHoliday
		}
	}
	for _, wd := range weekend {
		if date.Weekday() == wd {
			return DayWeekend
		}
	}
	return DayWorking
}
