/*
notify - Delivery of leave notifications and welcome payloads

PURPOSE:
  The leave package decides who should hear about what; this package hands
  that decision to a transport. Nothing here formats messages for people.

SINKS:
  Log       structured slog record per notification (default, no broker)
  Kafka     one message per notification on a topic, keyed for ordering
  Fanout    delivers to several sinks concurrently

SEE ALSO:
  - leave/notify.go: Notification, Notifier, WelcomeSender
*/
package notify

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/warp/leave-engine/leave"
)

// =============================================================================
// LOG SINK
// =============================================================================

// Log writes every notification and welcome payload as a structured record.
type Log struct {
	Logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger.With("component", "notify")}
}

func (l *Log) Notify(ctx context.Context, n leave.Notification) error {
	l.Logger.InfoContext(ctx, "leave notification",
		"event", n.Event,
		"request", n.RequestID,
		"recipient_role", n.RecipientRole,
		"level", n.Level)
	return nil
}

func (l *Log) SendWelcome(ctx context.Context, payload map[string]string) error {
	l.Logger.InfoContext(ctx, "employee welcome",
		"employee_id", payload["employee_id"],
		"employee_name", payload["employee_name"],
		"company_name", payload["company_name"])
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout delivers to every sink. A failing sink does not stop the others;
// all failures are joined into the returned error.
type Fanout struct {
	Notifiers []leave.Notifier
	Welcomes  []leave.WelcomeSender
}

func (f *Fanout) Notify(ctx context.Context, n leave.Notification) error {
	errs := make([]error, len(f.Notifiers))
	var g errgroup.Group
	for i, sink := range f.Notifiers {
		g.Go(func() error {
			errs[i] = sink.Notify(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f *Fanout) SendWelcome(ctx context.Context, payload map[string]string) error {
	errs := make([]error, len(f.Welcomes))
	var g errgroup.Group
	for i, sink := range f.Welcomes {
		g.Go(func() error {
			errs[i] = sink.SendWelcome(ctx, payload)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
