package generic

import "github.com/shopspring/decimal"

// =============================================================================
// PRORATION - Partial-period credit for joiners and leavers
// =============================================================================

// ProrationRule decides how much of a period's credit an employee earns
// when their employment covers only part of the period.
type ProrationRule string

const (
	ProrateExact     ProrationRule = "exact"     // days employed / days in period
	ProrateFifteenth ProrationRule = "fifteenth" // joiner month counts if joined on or before the 15th, leaver month if left after the 15th
	ProrateFull      ProrationRule = "full"      // any overlap earns full credit
	ProrateNone      ProrationRule = "none"      // partial periods earn nothing
)

func (r ProrationRule) Valid() bool {
	switch r {
	case ProrateExact, ProrateFifteenth, ProrateFull, ProrateNone:
		return true
	}
	return false
}

// Factor returns the fraction in [0, 1] of period's credit earned by an
// employee who joined on joined and, if left is non-nil, whose last working
// day is *left.
func (r ProrationRule) Factor(period Period, joined TimePoint, left *TimePoint) decimal.Decimal {
	end := period.End
	if left != nil && left.Before(end) {
		end = *left
	}
	employed, ok := period.Clip(Period{Start: joined, End: end})
	if !ok || end.Before(joined) {
		return decimal.Zero
	}
	if employed.Start.Equal(period.Start) && employed.End.Equal(period.End) {
		return decimal.NewFromInt(1)
	}

	switch r {
	case ProrateExact:
		return decimal.NewFromInt(int64(employed.Len())).Div(decimal.NewFromInt(int64(period.Len())))
	case ProrateFull:
		return decimal.NewFromInt(1)
	case ProrateFifteenth:
		return fifteenthRuleFactor(period, joined, left)
	default:
		return decimal.Zero
	}
}

func fifteenthRuleFactor(period Period, joined TimePoint, left *TimePoint) decimal.Decimal {
	months, counted := 0, 0
	for m := period.Start; m.BeforeOrEqual(period.End); m = m.AddMonths(1) {
		month := MonthPeriod(m.Year(), m.Month())
		months++
		if countsUnderFifteenthRule(month, joined, left) {
			counted++
		}
	}
	if months == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(counted)).Div(decimal.NewFromInt(int64(months)))
}

func countsUnderFifteenthRule(month Period, joined TimePoint, left *TimePoint) bool {
	if joined.After(month.End) {
		return false
	}
	if left != nil && left.Before(month.Start) {
		return false
	}
	if month.Contains(joined) && joined.Day() > 15 {
		return false
	}
	if left != nil && month.Contains(*left) && left.Day() <= 15 {
		return false
	}
	return true
}

// ProratedAmount applies the rule to amount and rounds to two decimals.
func (r ProrationRule) ProratedAmount(amount Amount, period Period, joined TimePoint, left *TimePoint) Amount {
	return Amount{Value: amount.Value.Mul(r.Factor(period, joined, left)).Round(2), Unit: amount.Unit}
}
