/*
scheduler.go - Background accrual, year-end and housekeeping runs

PURPOSE:
  Periodically drives the leave scheduler and the service housekeeping so
  balances stay current without an operator calling the admin endpoints.

EACH TICK:
  1. Monthly accrual run for the current month
  2. Yearly accrual run for the current year (new joiners pick up their
     prorated annual grant on the next tick)
  3. Year-end sweep for the previous year, until it has completed once
  4. Comp-off expiry as of today
  5. Escalation of overdue approval levels

  Every step is idempotent (ledger idempotency keys, run records), so
  restarts and overlapping replicas only re-scan. A run held by another
  replica reports ErrRunInProgress and is skipped quietly.

CONFIGURATION:
  - Interval: How often to tick (default: 1 hour)
  - Enabled: Whether the loop starts at all

USAGE:
  bg := NewBackgroundScheduler(service, scheduler, "acme", logger)
  bg.Start()
  // ... later
  bg.Stop()

SEE ALSO:
  - handlers.go: Admin endpoints for the same runs
  - leave/scheduler.go: Run locking and posting
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
)

// BackgroundScheduler ticks the periodic work of one organization.
type BackgroundScheduler struct {
	Service        *leave.Service
	Scheduler      *leave.Scheduler
	OrganizationID string
	Interval       time.Duration
	Enabled        bool
	Logger         *slog.Logger
	Now            func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewBackgroundScheduler(svc *leave.Service, scheduler *leave.Scheduler, organizationID string, logger *slog.Logger) *BackgroundScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundScheduler{
		Service:        svc,
		Scheduler:      scheduler,
		OrganizationID: organizationID,
		Interval:       time.Hour,
		Enabled:        true,
		Logger:         logger.With("component", "api.background"),
		Now:            time.Now,
	}
}

// Start begins ticking; the first tick runs immediately.
func (bs *BackgroundScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Logger.Info("background scheduler disabled")
		return
	}
	if bs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	bs.stop = make(chan struct{})
	bs.ticker = time.NewTicker(bs.Interval)
	bs.wg.Add(1)

	go bs.run(ctx)

	bs.Logger.Info("background scheduler started", "interval", bs.Interval, "organization", bs.OrganizationID)
}

// Stop cancels an in-flight tick and waits for the loop to exit.
func (bs *BackgroundScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	close(bs.stop)
	bs.cancel()
	bs.wg.Wait()
	bs.ticker = nil
	bs.Logger.Info("background scheduler stopped")
}

func (bs *BackgroundScheduler) run(ctx context.Context) {
	defer bs.wg.Done()

	bs.tick(ctx)

	for {
		select {
		case <-bs.ticker.C:
			bs.tick(ctx)
		case <-bs.stop:
			return
		}
	}
}

func (bs *BackgroundScheduler) tick(ctx context.Context) {
	if err := bs.RunNow(ctx); err != nil {
		bs.Logger.Error("background tick finished with errors", "error", err)
	}
}

// RunNow performs one tick synchronously. Steps run even when an earlier
// one fails; the failures are joined.
func (bs *BackgroundScheduler) RunNow(ctx context.Context) error {
	today := generic.DateOf(bs.Now())
	org := bs.OrganizationID

	var errs []error
	step := func(name string, fn func() error) {
		err := fn()
		switch {
		case err == nil:
		case errors.Is(err, leave.ErrRunInProgress):
			bs.Logger.Info("run held elsewhere, skipped", "step", name)
		case ctx.Err() != nil:
			errs = append(errs, ctx.Err())
		default:
			errs = append(errs, err)
			bs.Logger.Error("background step failed", "step", name, "error", err)
		}
	}

	step("accrual_monthly", func() error {
		_, err := bs.Scheduler.RunPeriod(ctx, org, generic.PeriodMonthly, generic.StartOfMonth(today.Year(), today.Month()))
		return err
	})
	step("accrual_yearly", func() error {
		_, err := bs.Scheduler.RunPeriod(ctx, org, generic.PeriodYearly, generic.StartOfYear(today.Year()))
		return err
	})
	step("year_end", func() error {
		done, err := bs.completed(ctx, leave.RunYearEnd, today.Year()-1)
		if err != nil || done {
			return err
		}
		_, err = bs.Scheduler.RunYearEnd(ctx, org, today.Year()-1)
		return err
	})
	step("comp_off_expiry", func() error {
		_, err := bs.Service.ExpireCompOff(ctx, today)
		return err
	})
	step("escalations", func() error {
		n, err := bs.Service.TickEscalations(ctx)
		if n > 0 {
			bs.Logger.Info("approvals escalated", "count", n)
		}
		return err
	})

	return errors.Join(errs...)
}

func (bs *BackgroundScheduler) completed(ctx context.Context, kind leave.RunKind, year int) (bool, error) {
	run, err := bs.Scheduler.Runs.GetRun(ctx, bs.OrganizationID, kind, fmt.Sprintf("%04d", year))
	if leave.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Status == leave.RunCompleted, nil
}
