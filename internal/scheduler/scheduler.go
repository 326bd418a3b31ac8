// Package scheduler runs durable deferred actions.  Every background job in
// the service (hold expiry, the reminder sweep) is a model.Task in a
// repository.TaskStore dispatched to a Handler by kind.  Execution is
// at-least-once: a handler may see the same task again after a crash or a
// lapsed lease, so handlers must be idempotent.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/clock"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/repository"
)

// Handler executes one task.  Returning an error schedules a retry.
type Handler func(ctx context.Context, t model.Task) error

// Scheduler stores tasks and, when Run, polls for due ones.
type Scheduler struct {
	store repository.TaskStore
	clock clock.Clock
	log   logrus.FieldLogger

	pollInterval time.Duration
	batchSize    int
	lease        time.Duration
	retryBackoff time.Duration
	maxBackoff   time.Duration

	mu       sync.RWMutex
	handlers map[model.TaskKind]Handler
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Scheduler) { s.log = l } }

// WithPollInterval sets how often Run looks for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize caps the number of tasks claimed per poll.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLease sets how long a claimed task stays invisible to other pollers.
func WithLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithRetryBackoff sets the first retry delay and its cap.  The delay
// doubles with every failed attempt.
func WithRetryBackoff(first, max time.Duration) Option {
	return func(s *Scheduler) {
		if first > 0 {
			s.retryBackoff = first
		}
		if max >= s.retryBackoff {
			s.maxBackoff = max
		}
	}
}

// New returns a Scheduler over store.
func New(store repository.TaskStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		clock:        clock.System{},
		log:          logrus.StandardLogger(),
		pollInterval: time.Second,
		batchSize:    50,
		lease:        30 * time.Second,
		retryBackoff: 5 * time.Second,
		maxBackoff:   5 * time.Minute,
		handlers:     map[model.TaskKind]Handler{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for kind, replacing any previous handler.
func (s *Scheduler) Handle(kind model.TaskKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// ScheduleAt stores a task due at dueAt.  Scheduling an existing kind/key
// pair moves it.
func (s *Scheduler) ScheduleAt(ctx context.Context, kind model.TaskKind, key string, dueAt time.Time, payload []byte) error {
	return s.store.Put(ctx, model.Task{
		ID:        model.TaskID(kind, key),
		Kind:      kind,
		Key:       key,
		DueAt:     dueAt.UTC(),
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
}

// CancelTask removes a task.  Cancelling a task that already ran or never
// existed is a no-op.
func (s *Scheduler) CancelTask(ctx context.Context, kind model.TaskKind, key string) error {
	return s.store.Delete(ctx, model.TaskID(kind, key))
}

// Scheduled reports whether a task for kind/key is stored.
func (s *Scheduler) Scheduled(ctx context.Context, kind model.TaskKind, key string) (bool, error) {
	_, err := s.store.Get(ctx, model.TaskID(kind, key))
	if errors.Is(err, repository.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ScheduleAfter arranges the hold expiry of bookingID to fire after d.
func (s *Scheduler) ScheduleAfter(ctx context.Context, bookingID string, d time.Duration) error {
	return s.ScheduleAt(ctx, model.TaskHoldExpiry, bookingID, s.clock.Now().Add(d), nil)
}

// Cancel drops the pending hold expiry of bookingID, if any.
func (s *Scheduler) Cancel(ctx context.Context, bookingID string) error {
	return s.CancelTask(ctx, model.TaskHoldExpiry, bookingID)
}

// RunOnce claims due tasks and executes them sequentially.  It returns the
// number of tasks that completed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	tasks, err := s.store.ClaimDue(ctx, now, s.batchSize, s.lease)
	if err != nil {
		return 0, fmt.Errorf("claim due tasks: %w", err)
	}
	done := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if s.execute(ctx, t) {
			done++
		}
	}
	return done, nil
}

func (s *Scheduler) execute(ctx context.Context, t model.Task) bool {
	entry := s.log.WithFields(logrus.Fields{"task_id": t.ID, "kind": t.Kind, "attempt": t.Attempts})
	s.mu.RLock()
	h, ok := s.handlers[t.Kind]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for %q", t.Kind)
	} else {
		err = safeRun(ctx, h, t)
	}
	if err == nil {
		if cerr := s.store.Complete(ctx, t.ID, t.ClaimToken); cerr != nil {
			// The lease will lapse and the task run again; handlers are idempotent.
			entry.WithError(cerr).Warn("scheduler: complete task failed")
		}
		return true
	}
	next := s.clock.Now().Add(s.backoff(t.Attempts))
	entry.WithError(err).WithField("retry_at", next).Warn("scheduler: task failed")
	if rerr := s.store.Retry(ctx, t.ID, t.ClaimToken, next, err.Error()); rerr != nil {
		entry.WithError(rerr).Error("scheduler: reschedule task failed")
	}
	return false
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.retryBackoff
	for i := 1; i < attempts && d < s.maxBackoff; i++ {
		d *= 2
	}
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	s.log.WithField("poll_interval", s.pollInterval).Info("scheduler: started")
	for {
		if n, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("scheduler: poll failed")
		} else if n > 0 {
			s.log.WithField("completed", n).Debug("scheduler: tasks completed")
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func safeRun(ctx context.Context, h Handler, t model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}
