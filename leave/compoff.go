package leave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// COMP-OFF LEDGER - Credits for overtime, consumed FIFO, lapsed on expiry
// =============================================================================
//
// A credit row records only the grant. Everything that happens to it after
// that is an ordinary ledger entry on the comp-off leave type tagged with
// the credit id:
//
//   grant    Accrual           +qty  dated EarnedOn       compoff-grant:<credit>
//   consume  Debit             -n    dated leave start   compoff-debit:<ref>:<credit>
//   restore  CreditAdjustment  +n    dated leave start   compoff-restore:<ref>:<credit>
//   lapse    Lapse             -rem  dated ExpiresOn+1   compoff-lapse:<credit>
//
// so the remaining quantity of a credit is the sum of its tagged entries
// and the plain ledger balance of the comp-off leave type always agrees.

const (
	MetaCreditID   = "credit_id"
	MetaOvertimeID = "overtime_id"
)

type CompOffCredit struct {
	ID          string
	EmployeeID  generic.EntityID
	LeaveTypeID generic.PolicyID
	OvertimeID  string
	EarnedOn    generic.TimePoint
	ExpiresOn   generic.TimePoint
	Quantity    decimal.Decimal
	CreatedAt   time.Time
}

// UsableOn reports whether leave starting on date may draw on c.
func (c CompOffCredit) UsableOn(date generic.TimePoint) bool {
	return !date.Before(c.EarnedOn) && !date.After(c.ExpiresOn)
}

// ExpiredBy reports whether c can no longer be used on asOf.
func (c CompOffCredit) ExpiredBy(asOf generic.TimePoint) bool {
	return c.ExpiresOn.Before(asOf)
}

// CompOffStore persists credit grants. CreateCredit returns
// ErrDuplicateOvertime when the overtime id was already credited.
type CompOffStore interface {
	CreateCredit(ctx context.Context, c CompOffCredit) error
	GetCreditByOvertime(ctx context.Context, employeeID generic.EntityID, overtimeID string) (CompOffCredit, error)
	ListCredits(ctx context.Context, employeeID generic.EntityID) ([]CompOffCredit, error)
	ListCreditsExpiredBy(ctx context.Context, asOf generic.TimePoint) ([]CompOffCredit, error)
}

// CreditPortion is the part of one credit drawn by a consumption.
type CreditPortion struct {
	CreditID string
	Quantity decimal.Decimal
}

type CompOffLedger struct {
	Store  CompOffStore
	Ledger generic.Ledger
	Now    func() time.Time

	locks generic.KeyedMutex[generic.EntityID]
}

func NewCompOffLedger(store CompOffStore, ledger generic.Ledger) *CompOffLedger {
	return &CompOffLedger{Store: store, Ledger: ledger, Now: time.Now}
}

// creditID is derived from the overtime so a retried grant lands on the
// same credit and the same ledger idempotency key.
func creditID(employeeID generic.EntityID, overtimeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(employeeID)+"/"+overtimeID)).String()
}

// Grant credits cfg.CreditPerOvertime for one overtime occurrence. It is
// rejected with ErrCompOffMaxBalance when the unexpired total would exceed
// cfg.MaxBalance on any day the new credit is usable.
//
// The credit row is written before its ledger entry. A grant whose posting
// failed is completed by retrying the same overtime.
func (l *CompOffLedger) Grant(ctx context.Context, cfg CompOffSettings, employeeID generic.EntityID, overtimeID string, earned generic.TimePoint) (CompOffCredit, error) {
	if cfg.LeaveTypeID == "" {
		return CompOffCredit{}, ErrCompOffNotConfigured
	}
	if overtimeID == "" {
		return CompOffCredit{}, generic.NewValidationError("comp-off grant",
			[]generic.FieldError{{Field: "overtime_id", Message: "is required"}})
	}

	unlock := l.locks.Lock(employeeID)
	defer unlock()

	existing, err := l.Store.GetCreditByOvertime(ctx, employeeID, overtimeID)
	switch {
	case err == nil:
		posted, err := l.grantPosted(ctx, existing)
		if err != nil {
			return CompOffCredit{}, err
		}
		if posted {
			return CompOffCredit{}, fmt.Errorf("%w: %s", ErrDuplicateOvertime, overtimeID)
		}
		return existing, l.postGrant(ctx, existing)
	case !IsNotFound(err):
		return CompOffCredit{}, fmt.Errorf("look up overtime %s: %w", overtimeID, err)
	}

	qty := cfg.CreditPerOvertime
	if !qty.IsPositive() {
		qty = one
	}
	credit := CompOffCredit{
		ID:          creditID(employeeID, overtimeID),
		EmployeeID:  employeeID,
		LeaveTypeID: cfg.LeaveTypeID,
		OvertimeID:  overtimeID,
		EarnedOn:    earned,
		ExpiresOn:   earned.AddDays(cfg.UtilizationDays),
		Quantity:    qty,
		CreatedAt:   l.Now().UTC(),
	}

	if cfg.MaxBalance.IsPositive() {
		balances, err := l.balances(ctx, employeeID, cfg.LeaveTypeID)
		if err != nil {
			return CompOffCredit{}, err
		}
		if peak, on := peakOutstanding(balances, credit); peak.Add(qty).GreaterThan(cfg.MaxBalance) {
			return CompOffCredit{}, fmt.Errorf("%w: %s outstanding on %s, maximum %s",
				ErrCompOffMaxBalance, peak, on, cfg.MaxBalance)
		}
	}

	if err := l.Store.CreateCredit(ctx, credit); err != nil {
		return CompOffCredit{}, fmt.Errorf("store comp-off credit: %w", err)
	}
	return credit, l.postGrant(ctx, credit)
}

// peakOutstanding is the largest remaining total of other credits on any
// day within c's window. The total only rises on a day a credit is earned,
// so c's first day and the earned dates inside its window are enough.
func peakOutstanding(balances []CreditBalance, c CompOffCredit) (decimal.Decimal, generic.TimePoint) {
	days := []generic.TimePoint{c.EarnedOn}
	for _, b := range balances {
		if c.UsableOn(b.Credit.EarnedOn) && b.Credit.EarnedOn.After(c.EarnedOn) {
			days = append(days, b.Credit.EarnedOn)
		}
	}

	peak, peakDay := decimal.Zero, c.EarnedOn
	for _, day := range days {
		total := decimal.Zero
		for _, b := range balances {
			if b.Credit.ID != c.ID && b.Credit.UsableOn(day) {
				total = total.Add(b.Remaining)
			}
		}
		if total.GreaterThan(peak) {
			peak, peakDay = total, day
		}
	}
	return peak, peakDay
}

func (l *CompOffLedger) postGrant(ctx context.Context, c CompOffCredit) error {
	_, err := l.Ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{{
		EntityID:       c.EmployeeID,
		PolicyID:       c.LeaveTypeID,
		EffectiveAt:    c.EarnedOn,
		Delta:          generic.Days(c.Quantity),
		Kind:           generic.TxAccrual,
		ReferenceID:    c.OvertimeID,
		Reason:         "comp-off earned",
		IdempotencyKey: "compoff-grant:" + c.ID,
		Metadata:       map[string]string{MetaCreditID: c.ID, MetaOvertimeID: c.OvertimeID},
	}}})
	if err != nil && !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return fmt.Errorf("post comp-off grant: %w", err)
	}
	return nil
}

func (l *CompOffLedger) grantPosted(ctx context.Context, c CompOffCredit) (bool, error) {
	txs, err := l.Ledger.Transactions(ctx, c.EmployeeID, c.LeaveTypeID)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if tx.Kind == generic.TxAccrual && tx.Metadata[MetaCreditID] == c.ID {
			return true, nil
		}
	}
	return false, nil
}

// Credits returns every credit of the employee with its remaining quantity,
// oldest first.
func (l *CompOffLedger) Credits(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID) ([]CreditBalance, error) {
	return l.balances(ctx, employeeID, leaveTypeID)
}

// Available is the total usable on onDate.
func (l *CompOffLedger) Available(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID, onDate generic.TimePoint) (decimal.Decimal, error) {
	balances, err := l.balances(ctx, employeeID, leaveTypeID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range balances {
		if b.Credit.UsableOn(onDate) && b.Remaining.IsPositive() {
			total = total.Add(b.Remaining)
		}
	}
	return total, nil
}

// Consume draws qty from credits usable on onDate, oldest earned first, and
// posts one Debit per credit touched. ref is the leave request id.
func (l *CompOffLedger) Consume(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID, qty decimal.Decimal, onDate generic.TimePoint, ref string) ([]CreditPortion, error) {
	if !qty.IsPositive() {
		return nil, generic.NewValidationError("comp-off consumption",
			[]generic.FieldError{{Field: "quantity", Message: "must be greater than zero"}})
	}

	unlock := l.locks.Lock(employeeID)
	defer unlock()

	txs, err := l.Ledger.Transactions(ctx, employeeID, leaveTypeID)
	if err != nil {
		return nil, err
	}
	if prior := portionsOf(ref, txs); len(prior) > 0 {
		return prior, nil
	}
	version := len(txs)

	balances, err := l.balances(ctx, employeeID, leaveTypeID)
	if err != nil {
		return nil, err
	}

	var portions []CreditPortion
	var entries []generic.Transaction
	left := qty
	available := decimal.Zero
	for _, b := range balances {
		if !b.Credit.UsableOn(onDate) || !b.Remaining.IsPositive() {
			continue
		}
		available = available.Add(b.Remaining)
		if !left.IsPositive() {
			continue
		}
		take := decimal.Min(left, b.Remaining)
		left = left.Sub(take)
		portions = append(portions, CreditPortion{CreditID: b.Credit.ID, Quantity: take})
		entries = append(entries, generic.Transaction{
			EntityID:       employeeID,
			PolicyID:       leaveTypeID,
			EffectiveAt:    onDate,
			Delta:          generic.Days(take.Neg()),
			Kind:           generic.TxDebit,
			ReferenceID:    ref,
			Reason:         "comp-off used",
			IdempotencyKey: fmt.Sprintf("compoff-debit:%s:%s", ref, b.Credit.ID),
			Metadata:       map[string]string{MetaCreditID: b.Credit.ID},
		})
	}
	if left.IsPositive() {
		return nil, &generic.InsufficientBalanceError{
			EntityID:  employeeID,
			PolicyID:  leaveTypeID,
			At:        onDate,
			Available: generic.Days(available),
			Requested: generic.Days(qty),
			Shortfall: generic.Days(left),
		}
	}

	key := generic.BalanceKey{EntityID: employeeID, PolicyID: leaveTypeID}
	_, err = l.Ledger.Post(ctx, generic.Batch{
		Entries: entries,
		Rules:   map[generic.BalanceKey]generic.PostRule{key: {ExpectedVersion: &version}},
	})
	if err != nil {
		return nil, err
	}
	return portions, nil
}

// Restore gives back what ref consumed. Portions of credits that have
// expired by today stay forfeited; their lapse has already been booked or
// will be booked from the remaining quantity.
func (l *CompOffLedger) Restore(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID, ref string) (decimal.Decimal, error) {
	unlock := l.locks.Lock(employeeID)
	defer unlock()

	txs, err := l.Ledger.Transactions(ctx, employeeID, leaveTypeID)
	if err != nil {
		return decimal.Zero, err
	}
	credits, err := l.creditsByID(ctx, employeeID)
	if err != nil {
		return decimal.Zero, err
	}

	done := make(map[string]bool)
	for _, tx := range txs {
		if tx.Kind == generic.TxCreditAdjustment && tx.ReferenceID == ref {
			done[tx.Metadata[MetaCreditID]] = true
		}
	}

	today := generic.DateOf(l.Now())
	restored := decimal.Zero
	var entries []generic.Transaction
	for _, tx := range txs {
		if tx.Kind != generic.TxDebit || tx.ReferenceID != ref {
			continue
		}
		id := tx.Metadata[MetaCreditID]
		credit, ok := credits[id]
		if !ok || done[id] || credit.ExpiredBy(today) {
			continue
		}
		amount := tx.Delta.Neg()
		restored = restored.Add(amount.Value)
		entries = append(entries, generic.Transaction{
			EntityID:       employeeID,
			PolicyID:       leaveTypeID,
			EffectiveAt:    tx.EffectiveAt,
			Delta:          amount,
			Kind:           generic.TxCreditAdjustment,
			ReferenceID:    ref,
			Reason:         "comp-off restored on cancellation",
			IdempotencyKey: fmt.Sprintf("compoff-restore:%s:%s", ref, id),
			Metadata:       map[string]string{MetaCreditID: id},
		})
	}
	if len(entries) == 0 {
		return decimal.Zero, nil
	}
	if _, err := l.Ledger.Post(ctx, generic.Batch{Entries: entries}); err != nil {
		return decimal.Zero, err
	}
	return restored, nil
}

// ExpireDue lapses whatever is left of every credit that expired before
// asOf. Each credit lapses at most once, so repeated sweeps post nothing new.
func (l *CompOffLedger) ExpireDue(ctx context.Context, asOf generic.TimePoint) (int, error) {
	expired, err := l.Store.ListCreditsExpiredBy(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("list expired credits: %w", err)
	}

	lapsed := 0
	for _, credit := range expired {
		ok, err := l.lapse(ctx, credit)
		if err != nil {
			return lapsed, fmt.Errorf("lapse credit %s: %w", credit.ID, err)
		}
		if ok {
			lapsed++
		}
	}
	return lapsed, nil
}

func (l *CompOffLedger) lapse(ctx context.Context, credit CompOffCredit) (bool, error) {
	unlock := l.locks.Lock(credit.EmployeeID)
	defer unlock()

	txs, err := l.Ledger.Transactions(ctx, credit.EmployeeID, credit.LeaveTypeID)
	if err != nil {
		return false, err
	}
	remaining := remainingOf(credit.ID, txs)
	if !remaining.IsPositive() {
		return false, nil
	}
	_, err = l.Ledger.Post(ctx, generic.Batch{Entries: []generic.Transaction{{
		EntityID:       credit.EmployeeID,
		PolicyID:       credit.LeaveTypeID,
		EffectiveAt:    credit.ExpiresOn.AddDays(1),
		Delta:          generic.Days(remaining.Neg()),
		Kind:           generic.TxLapse,
		ReferenceID:    credit.OvertimeID,
		Reason:         "comp-off expired",
		IdempotencyKey: "compoff-lapse:" + credit.ID,
		Metadata:       map[string]string{MetaCreditID: credit.ID},
	}}})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	return err == nil, err
}

func (l *CompOffLedger) balances(ctx context.Context, employeeID generic.EntityID, leaveTypeID generic.PolicyID) ([]CreditBalance, error) {
	credits, err := l.Store.ListCredits(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("list comp-off credits: %w", err)
	}
	txs, err := l.Ledger.Transactions(ctx, employeeID, leaveTypeID)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		if id := tx.Metadata[MetaCreditID]; id != "" {
			sums[id] = sums[id].Add(tx.Delta.Value)
		}
	}

	out := make([]CreditBalance, 0, len(credits))
	for _, c := range credits {
		if c.LeaveTypeID != leaveTypeID {
			continue
		}
		out = append(out, CreditBalance{Credit: c, Remaining: sums[c.ID]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Credit.EarnedOn.Before(out[j].Credit.EarnedOn)
	})
	return out, nil
}

func (l *CompOffLedger) creditsByID(ctx context.Context, employeeID generic.EntityID) (map[string]CompOffCredit, error) {
	credits, err := l.Store.ListCredits(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("list comp-off credits: %w", err)
	}
	byID := make(map[string]CompOffCredit, len(credits))
	for _, c := range credits {
		byID[c.ID] = c
	}
	return byID, nil
}

// portionsOf finds an earlier consumption posted under ref.
func portionsOf(ref string, txs []generic.Transaction) []CreditPortion {
	var out []CreditPortion
	for _, tx := range txs {
		if tx.Kind == generic.TxDebit && tx.ReferenceID == ref {
			out = append(out, CreditPortion{CreditID: tx.Metadata[MetaCreditID], Quantity: tx.Delta.Value.Neg()})
		}
	}
	return out
}

func remainingOf(creditID string, txs []generic.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Metadata[MetaCreditID] == creditID {
			total = total.Add(tx.Delta.Value)
		}
	}
	return total
}
