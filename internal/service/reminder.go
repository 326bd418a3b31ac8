package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/clock"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/queue"
	"github.com/iliyamo/screening-reservations/internal/repository"
)

// ReminderTaskKey is the key of the single recurring reminder task.
const ReminderTaskKey = "sweep"

// TaskScheduler is the part of the scheduler the reminder sweep needs.
type TaskScheduler interface {
	ScheduleAt(ctx context.Context, kind model.TaskKind, key string, dueAt time.Time, payload []byte) error
	Scheduled(ctx context.Context, kind model.TaskKind, key string) (bool, error)
}

// ReminderSweeper sends a show.reminder event to every PAID booking of the
// screenings that start within the next window after lookahead.  It runs
// as a recurring deferred task that reschedules itself one window later,
// so consecutive runs scan adjacent windows.
type ReminderSweeper struct {
	catalog   repository.ScreeningCatalog
	ledger    repository.BookingLedger
	tasks     TaskScheduler
	notifier  Notifier
	clock     clock.Clock
	log       logrus.FieldLogger
	lookahead time.Duration
	window    time.Duration
}

// NewReminderSweeper returns a sweeper.  Zero durations fall back to an
// 8h lookahead and a 1h window.
func NewReminderSweeper(catalog repository.ScreeningCatalog, ledger repository.BookingLedger, tasks TaskScheduler, notifier Notifier, c clock.Clock, log logrus.FieldLogger, lookahead, window time.Duration) *ReminderSweeper {
	if lookahead <= 0 {
		lookahead = 8 * time.Hour
	}
	if window <= 0 {
		window = time.Hour
	}
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReminderSweeper{catalog: catalog, ledger: ledger, tasks: tasks, notifier: notifier, clock: c, log: log, lookahead: lookahead, window: window}
}

// Ensure schedules the first sweep unless one is already stored.
func (r *ReminderSweeper) Ensure(ctx context.Context) error {
	ok, err := r.tasks.Scheduled(ctx, model.TaskShowReminder, ReminderTaskKey)
	if err != nil || ok {
		return err
	}
	return r.tasks.ScheduleAt(ctx, model.TaskShowReminder, ReminderTaskKey, r.clock.Now(), nil)
}

// Handle runs one sweep for task t.  The window is anchored at the task's
// due time so a late run still covers the screenings it was meant for.
func (r *ReminderSweeper) Handle(ctx context.Context, t model.Task) error {
	base := t.DueAt
	if base.IsZero() {
		base = r.clock.Now()
	}
	sent, err := r.Sweep(ctx, base)
	if err != nil {
		return err
	}
	next := base.Add(r.window)
	if now := r.clock.Now(); next.Before(now) {
		next = now
	}
	if err := r.tasks.ScheduleAt(ctx, model.TaskShowReminder, ReminderTaskKey, next, nil); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"sent": sent, "next_run": next}).Debug("reminder: sweep done")
	return nil
}

// Sweep scans screenings starting in [at+lookahead, at+lookahead+window)
// and emits one reminder per distinct PAID booking.  It returns the number
// of reminders sent.
func (r *ReminderSweeper) Sweep(ctx context.Context, at time.Time) (int, error) {
	from := at.Add(r.lookahead)
	to := from.Add(r.window)
	screenings, err := r.catalog.ListStartingBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, scr := range screenings {
		seen := map[string]struct{}{}
		for _, label := range scr.SeatLabels {
			id, ok := scr.Occupancy[label]
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			b, err := r.ledger.Get(ctx, id)
			if errors.Is(err, repository.ErrBookingNotFound) {
				continue
			}
			if err != nil {
				return sent, err
			}
			if b.State != model.BookingPaid {
				continue
			}
			ev := queue.NewBookingEvent(queue.ShowReminder, *b, r.clock.Now())
			ev.StartsAt = scr.StartsAt.UTC().Format(time.RFC3339)
			if r.notifier != nil {
				if err := r.notifier.Notify(ctx, ev); err != nil {
					r.log.WithError(err).WithField("booking_id", b.ID).Warn("reminder: notification failed")
					continue
				}
			}
			sent++
		}
	}
	return sent, nil
}
