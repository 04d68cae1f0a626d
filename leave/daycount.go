package leave

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// DAY COUNTING - Sandwich leave
// =============================================================================
//
// Every working date in the span is charged 1.0. A weekend or holiday is
// free unless the sandwich rule applies, in which case it is charged 1.0
// as well. The rule applies to a non-working date when:
//
//   - working dates of the same request lie both before and after it, and
//   - the request was submitted fewer than SandwichThresholdDays before it
//     starts, and
//   - the leave type has not opted out.
//
// Non-working dates at the edges of the span (a request starting on a
// Saturday, say) have no working date on one side and are never charged.
//
//   Fri Sat Sun Mon, submitted 15 days ahead (threshold 14):  2.0
//   Fri Sat Sun Mon, submitted  5 days ahead:                 4.0

var one = decimal.NewFromInt(1)

// DayCharge explains how one date of a request was priced.
type DayCharge struct {
	Date       generic.TimePoint
	Kind       DayKind
	Charge     decimal.Decimal
	Sandwiched bool
}

// SandwichApplies reports whether enclosed non-working days are charged for
// a request starting on start and submitted on submitted.
func SandwichApplies(lt LeaveType, s OrganizationPolicySettings, submitted, start generic.TimePoint) bool {
	if lt.SandwichExempt {
		return false
	}
	return generic.DaysBetween(submitted, start) < s.SandwichThresholdDays
}

// CountChargeableDays classifies every date in span and prices it.
func CountChargeableDays(ctx context.Context, cal Calendar, span generic.Period, departmentID string, sandwich bool) ([]DayCharge, decimal.Decimal, error) {
	dates := span.Days()
	charges := make([]DayCharge, len(dates))
	firstWorking, lastWorking := -1, -1

	for i, date := range dates {
		kind, err := cal.Classify(ctx, date, departmentID)
		if err != nil {
			return nil, decimal.Zero, &CalendarUnavailableError{Date: date, Err: err}
		}
		charges[i] = DayCharge{Date: date, Kind: kind, Charge: decimal.Zero}
		if kind == DayWorking {
			if firstWorking < 0 {
				firstWorking = i
			}
			lastWorking = i
		}
	}

	total := decimal.Zero
	for i := range charges {
		c := &charges[i]
		switch {
		case c.Kind == DayWorking:
			c.Charge = one
		case sandwich && firstWorking < i && i < lastWorking:
			c.Charge = one
			c.Sandwiched = true
		}
		total = total.Add(c.Charge)
	}
	return charges, total, nil
}
