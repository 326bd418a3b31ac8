package repository

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// ErrTaskNotFound indicates that no deferred task with the given id exists.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists deferred tasks.  A claim leases a due task to one
// worker until LockedUntil; an expired lease makes the task claimable
// again, which is what gives at-least-once execution.  Complete and Retry
// only act while the caller's claim token is still current, so a task that
// was rescheduled (Put) while running is not lost.
type TaskStore interface {
	Put(ctx context.Context, t model.Task) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Task, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error)
	Complete(ctx context.Context, id, claimToken string) error
	Retry(ctx context.Context, id, claimToken string, dueAt time.Time, lastErr string) error
}
