/*
balance.go - Balance breakdown by transaction kind

PURPOSE:
  Ledger.BalanceAt answers "how much is left?". Summarize answers "how did
  it get there?" by folding the same replay into per-kind totals. Both are
  derived from transactions; neither is ever stored.

BALANCE COMPONENTS:
  Accrued:        Accrual entries (scheduled accruals, entitlement grants, comp-off grants)
  Debited:        Approved leave (positive number)
  Adjusted:       Credit adjustments (cancellations, corrections)
  CarriedForward: Opening carry-forward legs (closing legs only reduce Balance)
  Encashed:       Converted to payout (positive number)
  Lapsed:         Forfeited (positive number)
  Balance:        Sum of every delta, the same number Ledger.BalanceAt returns

SEE ALSO:
  - ledger.go: BalanceAt
  - api/handlers.go: GET /employees/{id}/balances
*/
package generic

import "github.com/shopspring/decimal"

// =============================================================================
// BALANCE SUMMARY
// =============================================================================

type BalanceSummary struct {
	EntityID EntityID
	PolicyID PolicyID
	AsOf     TimePoint

	Accrued        decimal.Decimal
	Debited        decimal.Decimal
	Adjusted       decimal.Decimal
	CarriedForward decimal.Decimal
	Encashed       decimal.Decimal
	Lapsed         decimal.Decimal
	Balance        decimal.Decimal

	Entries int
}

// Summarize folds transactions dated on or before asOf into a BalanceSummary.
func Summarize(entityID EntityID, policyID PolicyID, txs []Transaction, asOf TimePoint) BalanceSummary {
	s := BalanceSummary{EntityID: entityID, PolicyID: policyID, AsOf: asOf}
	for _, tx := range txs {
		if tx.EffectiveAt.After(asOf) {
			continue
		}
		v := tx.Delta.Value
		s.Entries++
		s.Balance = s.Balance.Add(v)
		switch tx.Kind {
		case TxAccrual:
			s.Accrued = s.Accrued.Add(v)
		case TxDebit:
			s.Debited = s.Debited.Sub(v)
		case TxCreditAdjustment:
			s.Adjusted = s.Adjusted.Add(v)
		case TxCarryForward:
			if v.IsPositive() {
				s.CarriedForward = s.CarriedForward.Add(v)
			}
		case TxEncashment:
			s.Encashed = s.Encashed.Sub(v)
		case TxLapse:
			s.Lapsed = s.Lapsed.Sub(v)
		}
	}
	return s
}
