package leave_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/leave"
)

func newCompOff(now *time.Time) (*leave.CompOffLedger, *generic.DefaultLedger) {
	ledger := generic.NewLedger(store.NewTxMemory())
	l := leave.NewCompOffLedger(newMemStores(), ledger)
	l.Now = func() time.Time { return *now }
	return l, ledger
}

func compOffCfg() leave.CompOffSettings {
	return testSettings().CompOff
}

func TestCompOff_UsableThroughUtilizationWindowThenLapses(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-01")
	l, ledger := newCompOff(&now)

	// GIVEN overtime worked on Mar 1 with a 30 day window
	credit, err := l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))
	require.NoError(t, err)
	assert.True(t, d("2025-03-31").Equal(credit.ExpiresOn))

	// THEN it is usable on the last day of the window and not after
	avail, err := l.Available(ctx, "emp-1", "comp-off", d("2025-03-31"))
	require.NoError(t, err)
	assert.True(t, avail.Equal(dec("1")), "got %s", avail)
	avail, err = l.Available(ctx, "emp-1", "comp-off", d("2025-04-01"))
	require.NoError(t, err)
	assert.True(t, avail.IsZero(), "got %s", avail)

	// WHEN the expiry sweep runs on Apr 1 twice
	n, err := l.ExpireDue(ctx, d("2025-04-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = l.ExpireDue(ctx, d("2025-04-02"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// THEN exactly one lapse is booked, dated the day after expiry
	txs, err := ledger.Transactions(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	var lapses []generic.Transaction
	for _, tx := range txs {
		if tx.Kind == generic.TxLapse {
			lapses = append(lapses, tx)
		}
	}
	require.Len(t, lapses, 1)
	assert.True(t, d("2025-04-01").Equal(lapses[0].EffectiveAt))
	assert.Equal(t, credit.ID, lapses[0].Metadata[leave.MetaCreditID])

	bal, err := ledger.BalanceAt(ctx, "emp-1", "comp-off", d("2025-04-01"))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestCompOff_SweepBeforeExpiryDoesNothing(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-01")
	l, _ := newCompOff(&now)

	_, err := l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))
	require.NoError(t, err)

	n, err := l.ExpireDue(ctx, d("2025-03-31"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCompOff_ConsumesOldestFirst(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-10")
	l, ledger := newCompOff(&now)
	cfg := compOffCfg()

	older, err := l.Grant(ctx, cfg, "emp-1", "ot-1", d("2025-03-01"))
	require.NoError(t, err)
	newer, err := l.Grant(ctx, cfg, "emp-1", "ot-2", d("2025-03-05"))
	require.NoError(t, err)

	portions, err := l.Consume(ctx, "emp-1", "comp-off", dec("1.5"), d("2025-03-12"), "req-1")
	require.NoError(t, err)
	require.Len(t, portions, 2)
	assert.Equal(t, older.ID, portions[0].CreditID)
	assert.True(t, portions[0].Quantity.Equal(dec("1")))
	assert.Equal(t, newer.ID, portions[1].CreditID)
	assert.True(t, portions[1].Quantity.Equal(dec("0.5")))

	credits, err := l.Credits(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	assert.True(t, credits[0].Remaining.IsZero())
	assert.True(t, credits[1].Remaining.Equal(dec("0.5")))

	// A retried consumption under the same reference posts nothing new.
	again, err := l.Consume(ctx, "emp-1", "comp-off", dec("1.5"), d("2025-03-12"), "req-1")
	require.NoError(t, err)
	assert.Len(t, again, 2)
	bal, err := ledger.BalanceAt(ctx, "emp-1", "comp-off", d("2025-03-12"))
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("0.5")), "got %s", bal.Value)
}

func TestCompOff_InsufficientInWindow(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-10")
	l, _ := newCompOff(&now)

	_, err := l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))
	require.NoError(t, err)

	// Leave on Apr 5 falls outside the Mar 1 credit's window.
	_, err = l.Consume(ctx, "emp-1", "comp-off", dec("1"), d("2025-04-05"), "req-1")
	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.IsZero())
	assert.True(t, insufficient.Shortfall.Value.Equal(dec("1")))
}

func TestCompOff_GrantRules(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-10")
	l, _ := newCompOff(&now)
	cfg := compOffCfg() // max balance 3

	for _, ot := range []string{"ot-1", "ot-2", "ot-3"} {
		_, err := l.Grant(ctx, cfg, "emp-1", ot, d("2025-03-01"))
		require.NoError(t, err)
	}

	_, err := l.Grant(ctx, cfg, "emp-1", "ot-1", d("2025-03-02"))
	assert.ErrorIs(t, err, leave.ErrDuplicateOvertime)

	_, err = l.Grant(ctx, cfg, "emp-1", "ot-4", d("2025-03-02"))
	assert.ErrorIs(t, err, leave.ErrCompOffMaxBalance)

	// Once the first three have expired there is room again.
	_, err = l.Grant(ctx, cfg, "emp-1", "ot-5", d("2025-04-15"))
	assert.NoError(t, err)

	_, err = l.Grant(ctx, leave.CompOffSettings{}, "emp-1", "ot-6", d("2025-04-15"))
	assert.ErrorIs(t, err, leave.ErrCompOffNotConfigured)
}

func TestCompOff_BackdatedGrantCountsLaterCredits(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-12")
	l, _ := newCompOff(&now)
	cfg := compOffCfg() // max balance 3

	// GIVEN three credits earned on Mar 10, 11 and 12
	for i, day := range []string{"2025-03-10", "2025-03-11", "2025-03-12"} {
		_, err := l.Grant(ctx, cfg, "emp-1", []string{"ot-1", "ot-2", "ot-3"}[i], d(day))
		require.NoError(t, err)
	}

	// WHEN overtime from Mar 5 is reported late
	_, err := l.Grant(ctx, cfg, "emp-1", "ot-0", d("2025-03-05"))

	// THEN it is rejected: on Mar 12 four credits would be usable at once
	assert.ErrorIs(t, err, leave.ErrCompOffMaxBalance)
	credits, err := l.Credits(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	assert.Len(t, credits, 3)
}

// flakyLedger fails the next Post once.
type flakyLedger struct {
	generic.Ledger
	fail bool
}

func (f *flakyLedger) Post(ctx context.Context, batch generic.Batch) ([]generic.TransactionID, error) {
	if f.fail {
		f.fail = false
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.Post(ctx, batch)
}

func TestCompOff_RetryCompletesGrantAfterFailedPosting(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-01")
	l, ledger := newCompOff(&now)
	flaky := &flakyLedger{Ledger: ledger, fail: true}
	l.Ledger = flaky

	// GIVEN a grant whose ledger posting fails after the credit is stored
	_, err := l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))
	require.Error(t, err)
	avail, err := l.Available(ctx, "emp-1", "comp-off", d("2025-03-01"))
	require.NoError(t, err)
	assert.True(t, avail.IsZero(), "got %s", avail)

	// WHEN the same overtime is granted again
	credit, err := l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))

	// THEN the grant completes once and further retries are duplicates
	require.NoError(t, err)
	assert.Equal(t, "ot-1", credit.OvertimeID)
	avail, err = l.Available(ctx, "emp-1", "comp-off", d("2025-03-01"))
	require.NoError(t, err)
	assert.True(t, avail.Equal(dec("1")), "got %s", avail)

	_, err = l.Grant(ctx, compOffCfg(), "emp-1", "ot-1", d("2025-03-01"))
	assert.ErrorIs(t, err, leave.ErrDuplicateOvertime)
	txs, err := ledger.Transactions(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCompOff_RestoreReturnsUnexpiredPortions(t *testing.T) {
	ctx := context.Background()
	now := at("2025-03-10")
	l, ledger := newCompOff(&now)
	cfg := compOffCfg()

	first, err := l.Grant(ctx, cfg, "emp-1", "ot-1", d("2025-02-15")) // expires Mar 17
	require.NoError(t, err)
	_, err = l.Grant(ctx, cfg, "emp-1", "ot-2", d("2025-03-05")) // expires Apr 4
	require.NoError(t, err)
	_, err = l.Consume(ctx, "emp-1", "comp-off", dec("2"), d("2025-03-14"), "req-1")
	require.NoError(t, err)

	// WHEN cancelled after the first credit has expired
	now = at("2025-03-20")
	restored, err := l.Restore(ctx, "emp-1", "comp-off", "req-1")
	require.NoError(t, err)

	// THEN only the second credit's portion comes back
	assert.True(t, restored.Equal(dec("1")), "got %s", restored)
	credits, err := l.Credits(ctx, "emp-1", "comp-off")
	require.NoError(t, err)
	assert.Equal(t, first.ID, credits[0].Credit.ID)
	assert.True(t, credits[0].Remaining.IsZero())
	assert.True(t, credits[1].Remaining.Equal(dec("1")))

	// Restoring twice is a no-op.
	_, err = l.Restore(ctx, "emp-1", "comp-off", "req-1")
	require.NoError(t, err)
	bal, err := ledger.BalanceAt(ctx, "emp-1", "comp-off", d("2025-03-20"))
	require.NoError(t, err)
	assert.True(t, bal.Value.Equal(dec("1")), "got %s", bal.Value)
}
