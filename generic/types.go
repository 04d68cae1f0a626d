/*
Package generic provides the ledger primitives the leave engine is built on.

PURPOSE:
  This package contains domain-agnostic types and algorithms for tracking
  day-denominated balances: signed decimal quantities, an append-only
  transaction log, replayed balances and period arithmetic. The leave
  package layers leave types, policy evaluation and workflows on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A decimal quantity with a unit (days, or weeks for entitlements)
  - Transaction: An immutable ledger entry recording a balance change
  - TxKind: Accrual, Debit, CreditAdjustment, CarryForward, Encashment, Lapse
  - Timeline: Ordered deltas used to validate a ledger never goes negative

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Precision: Uses decimal.Decimal so half-days never drift
  3. Type Safety: Distinct ID types for entities (employees) and policies (leave types)

USAGE:
  tx := generic.Transaction{
      EntityID:    "emp-123",
      PolicyID:    "annual",
      EffectiveAt: generic.NewTimePoint(2025, time.March, 3),
      Delta:       generic.NewAmount(-1.5, generic.UnitDays),
      Kind:        generic.TxDebit,
  }

SEE ALSO:
  - ledger.go: Posting with sufficiency checks
  - store.go: Persistence interface
  - balance.go: Per-kind balance breakdown
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitWeeks Unit = "weeks"
)

// DaysPerWeek converts week-denominated entitlements to ledger days.
const DaysPerWeek = 7

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func Days(value decimal.Decimal) Amount {
	return Amount{Value: value, Unit: UnitDays}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// InDays normalizes the amount to days.
func (a Amount) InDays() Amount {
	if a.Unit == UnitWeeks {
		return Amount{Value: a.Value.Mul(decimal.NewFromInt(DaysPerWeek)), Unit: UnitDays}
	}
	return Amount{Value: a.Value, Unit: UnitDays}
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.String() + " " + string(a.Unit) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// IsHalfStep reports whether d is a multiple of 0.5.
func IsHalfStep(d decimal.Decimal) bool {
	return d.Mul(decimal.NewFromInt(2)).IsInteger()
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type PolicyID string
type TransactionID string

// BalanceKey identifies one balance: an entity's holding under one policy.
type BalanceKey struct {
	EntityID EntityID
	PolicyID PolicyID
}

func (k BalanceKey) String() string { return string(k.EntityID) + "/" + string(k.PolicyID) }

// =============================================================================
// TRANSACTION - Atomic change to a balance
// =============================================================================

type TxKind string

const (
	TxAccrual          TxKind = "accrual"           // Scheduled accrual or entitlement grant
	TxDebit            TxKind = "debit"             // Approved leave
	TxCreditAdjustment TxKind = "credit_adjustment" // Compensation (cancellation, admin correction)
	TxCarryForward     TxKind = "carry_forward"     // Year-end move (closing and opening legs)
	TxEncashment       TxKind = "encashment"        // Converted to payout
	TxLapse            TxKind = "lapse"             // Forfeited (year-end, expired comp-off)
)

func (k TxKind) Valid() bool {
	switch k {
	case TxAccrual, TxDebit, TxCreditAdjustment, TxCarryForward, TxEncashment, TxLapse:
		return true
	}
	return false
}

type Transaction struct {
	ID             TransactionID
	EntityID       EntityID
	PolicyID       PolicyID
	EffectiveAt    TimePoint
	Delta          Amount
	Kind           TxKind
	ReferenceID    string // request id or scheduler run id
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Assigned by the store
	Sequence  int64
	CreatedBy string
	CreatedAt time.Time
}

func (tx Transaction) Key() BalanceKey {
	return BalanceKey{EntityID: tx.EntityID, PolicyID: tx.PolicyID}
}

// =============================================================================
// TIMELINE - Running balance validation
// =============================================================================

type TimelineEvent struct {
	At    TimePoint
	Delta Amount
	Ref   string
}

type Timeline struct {
	Events []TimelineEvent
}

// NewTimeline builds a timeline from transactions already sorted by EffectiveAt.
func NewTimeline(txs []Transaction) Timeline {
	t := Timeline{Events: make([]TimelineEvent, 0, len(txs))}
	for _, tx := range txs {
		t.Events = append(t.Events, TimelineEvent{At: tx.EffectiveAt, Delta: tx.Delta, Ref: string(tx.ID)})
	}
	return t
}

func (t *Timeline) BalanceAt(at TimePoint) Amount {
	balance := NewAmount(0, UnitDays)
	for _, e := range t.Events {
		if e.At.After(at) {
			break
		}
		balance = balance.Add(e.Delta)
	}
	return balance
}

// FirstNegativeFrom returns the first event at or after from where the
// running balance drops below zero. Same-day events are applied together,
// so an accrual and a debit on one date net out before the check.
func (t *Timeline) FirstNegativeFrom(from TimePoint) (TimelineEvent, Amount, bool) {
	balance := NewAmount(0, UnitDays)
	for i, e := range t.Events {
		balance = balance.Add(e.Delta)
		if i+1 < len(t.Events) && t.Events[i+1].At.Equal(e.At) {
			continue
		}
		if e.At.Before(from) {
			continue
		}
		if balance.IsNegative() {
			return e, balance, true
		}
	}
	return TimelineEvent{}, Amount{}, false
}
