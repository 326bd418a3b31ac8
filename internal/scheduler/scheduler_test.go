package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/screening-reservations/internal/clock"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/repository"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScheduler(store repository.TaskStore, c clock.Clock) *Scheduler {
	return New(store,
		WithClock(c),
		WithLogger(quietLogger()),
		WithRetryBackoff(5*time.Second, 40*time.Second),
		WithLease(30*time.Second),
	)
}

func TestRunOnceExecutesOnlyDueTasks(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemoryTaskStore()
	s := newTestScheduler(store, c)

	var ran []string
	s.Handle(model.TaskHoldExpiry, func(_ context.Context, task model.Task) error {
		ran = append(ran, task.Key)
		return nil
	})
	require.NoError(t, s.ScheduleAfter(ctx, "b1", time.Minute))
	require.NoError(t, s.ScheduleAfter(ctx, "b2", 10*time.Minute))

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(time.Minute)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b1"}, ran)
	assert.Equal(t, 1, store.Len())
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Now())
	store := repository.NewMemoryTaskStore()
	s := newTestScheduler(store, c)

	require.NoError(t, s.ScheduleAfter(ctx, "b1", time.Minute))
	ok, err := s.Scheduled(ctx, model.TaskHoldExpiry, "b1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Cancel(ctx, "b1"))
	require.NoError(t, s.Cancel(ctx, "b1"))
	require.NoError(t, s.Cancel(ctx, "never-scheduled"))

	ok, err = s.Scheduled(ctx, model.TaskHoldExpiry, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedTaskIsRetriedWithGrowingBackoff(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	c := clock.NewManual(start)
	store := repository.NewMemoryTaskStore()
	s := newTestScheduler(store, c)

	var calls int32
	s.Handle(model.TaskHoldExpiry, func(context.Context, model.Task) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("database down")
		}
		return nil
	})
	require.NoError(t, s.ScheduleAt(ctx, model.TaskHoldExpiry, "b1", start, nil))

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	task, err := store.Get(ctx, model.TaskID(model.TaskHoldExpiry, "b1"))
	require.NoError(t, err)
	assert.True(t, task.DueAt.Equal(start.Add(5*time.Second)))
	assert.Equal(t, "database down", task.LastError)

	c.Advance(5 * time.Second)
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	task, err = store.Get(ctx, model.TaskID(model.TaskHoldExpiry, "b1"))
	require.NoError(t, err)
	assert.True(t, task.DueAt.Equal(start.Add(15*time.Second)), "second retry waits twice as long")

	c.Advance(10 * time.Second)
	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBackoffIsCapped(t *testing.T) {
	s := newTestScheduler(repository.NewMemoryTaskStore(), clock.System{})
	assert.Equal(t, 5*time.Second, s.backoff(1))
	assert.Equal(t, 10*time.Second, s.backoff(2))
	assert.Equal(t, 40*time.Second, s.backoff(4))
	assert.Equal(t, 40*time.Second, s.backoff(50))
}

func TestUnknownKindAndPanicsAreRetriedNotDropped(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	store := repository.NewMemoryTaskStore()
	s := newTestScheduler(store, c)

	s.Handle(model.TaskHoldExpiry, func(context.Context, model.Task) error { panic("bad handler") })
	require.NoError(t, s.ScheduleAt(ctx, model.TaskHoldExpiry, "b1", c.Now(), nil))
	require.NoError(t, s.ScheduleAt(ctx, model.TaskKind("mystery"), "x", c.Now(), nil))

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, store.Len())

	task, err := store.Get(ctx, model.TaskID(model.TaskHoldExpiry, "b1"))
	require.NoError(t, err)
	assert.Contains(t, task.LastError, "panic")
}

func TestHandlerRescheduleSurvivesCompletion(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	store := repository.NewMemoryTaskStore()
	s := newTestScheduler(store, c)

	s.Handle(model.TaskShowReminder, func(ctx context.Context, task model.Task) error {
		return s.ScheduleAt(ctx, model.TaskShowReminder, task.Key, c.Now().Add(time.Hour), nil)
	})
	require.NoError(t, s.ScheduleAt(ctx, model.TaskShowReminder, "sweep", c.Now(), nil))

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := s.Scheduled(ctx, model.TaskShowReminder, "sweep")
	require.NoError(t, err)
	assert.True(t, ok, "recurring task must not be deleted by its own completion")
}

func TestRunStopsOnCancel(t *testing.T) {
	store := repository.NewMemoryTaskStore()
	s := New(store, WithLogger(quietLogger()), WithPollInterval(5*time.Millisecond))
	var runs int32
	s.Handle(model.TaskHoldExpiry, func(context.Context, model.Task) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.ScheduleAfter(ctx, "b1", 0))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
