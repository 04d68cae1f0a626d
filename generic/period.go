package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is an inclusive [Start, End] range of dates. Accrual runs, blackout
// windows and leave spans are all Periods.
type Period struct {
	Start TimePoint
	End   TimePoint
}

func NewPeriod(start, end TimePoint) (Period, error) {
	if end.Before(start) {
		return Period{}, fmt.Errorf("%w: %s > %s", ErrInvalidPeriod, start, end)
	}
	return Period{Start: start, End: end}, nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Overlaps reports whether the two inclusive ranges share at least one date.
func (p Period) Overlaps(o Period) bool {
	return !p.End.Before(o.Start) && !o.End.Before(p.Start)
}

// Len is the number of calendar dates in the period.
func (p Period) Len() int {
	return DaysBetween(p.Start, p.End) + 1
}

// Days returns all days in the period as a slice of TimePoints.
func (p Period) Days() []TimePoint {
	days := make([]TimePoint, 0, p.Len())
	for current := p.Start; current.BeforeOrEqual(p.End); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

// Clip returns the intersection of p and o, and false when they are disjoint.
func (p Period) Clip(o Period) (Period, bool) {
	if !p.Overlaps(o) {
		return Period{}, false
	}
	start, end := p.Start, p.End
	if o.Start.After(start) {
		start = o.Start
	}
	if o.End.Before(end) {
		end = o.End
	}
	return Period{Start: start, End: end}, true
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// PERIOD KIND - Scheduler boundaries
// =============================================================================

type PeriodKind string

const (
	PeriodMonthly PeriodKind = "monthly"
	PeriodYearly  PeriodKind = "yearly"
)

func (k PeriodKind) Valid() bool {
	return k == PeriodMonthly || k == PeriodYearly
}

// PeriodFor returns the calendar month or year containing date.
func (k PeriodKind) PeriodFor(date TimePoint) Period {
	if k == PeriodMonthly {
		return MonthPeriod(date.Year(), date.Month())
	}
	return YearPeriod(date.Year())
}

// Label is a stable identifier for the period, used in idempotency keys
// ("2025-03" for a month, "2025" for a year).
func (k PeriodKind) Label(p Period) string {
	if k == PeriodMonthly {
		return p.Start.Time.Format("2006-01")
	}
	return p.Start.Time.Format("2006")
}

func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

func YearPeriod(year int) Period {
	return Period{Start: StartOfYear(year), End: EndOfYear(year)}
}

// NextPeriod returns the period of the same kind that follows p.
func (k PeriodKind) NextPeriod(p Period) Period {
	return k.PeriodFor(p.End.AddDays(1))
}

// PreviousPeriod returns the period of the same kind that precedes p.
func (k PeriodKind) PreviousPeriod(p Period) Period {
	return k.PeriodFor(p.Start.AddDays(-1))
}
