/*
reconcile.go - Period-end reconciliation

PURPOSE:
  At the end of a leave year the remaining balance is either moved into the
  next year (carry-forward, up to a limit) or forfeited (lapse). This file
  computes the transactions for one balance; the leave scheduler decides
  when to run it and posts the result.

CUMULATIVE BALANCES:
  Ledger balances are sums over every entry dated on or before T, so moving
  balance across a year boundary is written as two CarryForward legs:

    Dec 31  CarryForward  -carry   (closing leg)
    Dec 31  Lapse         -lapse
    Jan 1   CarryForward  +carry   (opening leg)

  The old year closes at zero and the new year opens at exactly the carried
  amount, without double counting.

EXAMPLE:
  remaining 8, limit 5:
    Lapse -3 (Dec 31), CarryForward -5 (Dec 31), CarryForward +5 (Jan 1)
*/
package generic

// =============================================================================
// RECONCILIATION ENGINE
// =============================================================================

type ReconciliationInput struct {
	EntityID     EntityID
	PolicyID     PolicyID
	Remaining    Amount // balance at EndingPeriod.End
	EndingPeriod Period
	NextPeriod   Period

	// CarryForward enables the carry; Limit caps it.
	CarryForward bool
	Limit        Amount

	// IdempotencyPrefix is extended with ":carry-out", ":carry-in" and ":lapse".
	IdempotencyPrefix string
	ReferenceID       string
}

type ReconciliationOutput struct {
	Transactions []Transaction
	Summary      ReconciliationSummary
}

type ReconciliationSummary struct {
	CarriedOver Amount
	Lapsed      Amount
}

type ReconciliationEngine struct{}

// Process returns no transactions when nothing remains. A negative
// remainder (advance leave) is left in place.
func (re *ReconciliationEngine) Process(input ReconciliationInput) ReconciliationOutput {
	remaining := input.Remaining.InDays()
	out := ReconciliationOutput{Summary: ReconciliationSummary{
		CarriedOver: remaining.Zero(),
		Lapsed:      remaining.Zero(),
	}}
	if !remaining.IsPositive() {
		return out
	}

	carry := remaining.Zero()
	if input.CarryForward {
		carry = remaining.Min(input.Limit.InDays())
	}
	lapse := remaining.Sub(carry)

	if lapse.IsPositive() {
		out.Summary.Lapsed = lapse
		out.Transactions = append(out.Transactions, re.entry(input, input.EndingPeriod.End, lapse.Neg(), TxLapse,
			":lapse", "unused balance lapsed at year end"))
	}
	if carry.IsPositive() {
		out.Summary.CarriedOver = carry
		out.Transactions = append(out.Transactions,
			re.entry(input, input.EndingPeriod.End, carry.Neg(), TxCarryForward,
				":carry-out", "balance carried forward to next year"),
			re.entry(input, input.NextPeriod.Start, carry, TxCarryForward,
				":carry-in", "balance carried forward from previous year"))
	}
	return out
}

func (re *ReconciliationEngine) entry(input ReconciliationInput, at TimePoint, delta Amount, kind TxKind, suffix, reason string) Transaction {
	return Transaction{
		EntityID:       input.EntityID,
		PolicyID:       input.PolicyID,
		EffectiveAt:    at,
		Delta:          delta,
		Kind:           kind,
		ReferenceID:    input.ReferenceID,
		Reason:         reason,
		IdempotencyKey: input.IdempotencyPrefix + suffix,
	}
}
