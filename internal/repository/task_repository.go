package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// TaskRepo is the MySQL TaskStore backed by the deferred_tasks table.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so several workers can poll
// the same table without handing one task to two of them inside a lease.
type TaskRepo struct {
	db *sql.DB
}

// NewTaskRepo returns a new TaskRepo bound to the provided database.
func NewTaskRepo(db *sql.DB) *TaskRepo { return &TaskRepo{db: db} }

const taskColumns = `id, kind, task_key, due_at, payload, attempts, locked_until, claim_token, last_error, created_at`

// Put inserts the task or replaces the due time and payload of an existing
// one, clearing any claim.  Inside a unit of work it joins the transaction.
func (r *TaskRepo) Put(ctx context.Context, t model.Task) error {
	const q = `INSERT INTO deferred_tasks (id, kind, task_key, due_at, payload, attempts, created_at)
               VALUES (?, ?, ?, ?, ?, 0, ?)
               ON DUPLICATE KEY UPDATE due_at = VALUES(due_at), payload = VALUES(payload),
                   attempts = 0, locked_until = NULL, claim_token = NULL, last_error = NULL`
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := conn(ctx, r.db).ExecContext(ctx, q, t.ID, string(t.Kind), t.Key, t.DueAt.UTC(), t.Payload, created.UTC()); err != nil {
		return storageErr("put task", err)
	}
	return nil
}

// Delete removes the task.  Deleting a missing task is not an error.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM deferred_tasks WHERE id = ?`, id); err != nil {
		return storageErr("delete task", err)
	}
	return nil
}

// Get returns the task or ErrTaskNotFound.
func (r *TaskRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM deferred_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, storageErr("get task", err)
	}
	return t, nil
}

// ClaimDue leases up to limit due tasks whose previous lease, if any, has
// lapsed.  Each claimed task gets a fresh claim token and its attempt
// counter incremented.
func (r *TaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	const sel = `SELECT id FROM deferred_tasks
                 WHERE due_at <= ? AND (locked_until IS NULL OR locked_until <= ?)
                 ORDER BY due_at LIMIT ? FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, sel, now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, storageErr("select due tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan task id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, storageErr("select due tasks", err)
	}
	if len(ids) == 0 {
		return []model.Task{}, nil
	}
	until := now.Add(lease).UTC()
	for _, id := range ids {
		const up = `UPDATE deferred_tasks SET attempts = attempts + 1, locked_until = ?, claim_token = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, up, until, uuid.NewString(), id); err != nil {
			return nil, storageErr("claim task", err)
		}
	}
	args := make([]any, 0, len(ids))
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, "?")
	}
	claimed, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM deferred_tasks WHERE id IN (`+strings.Join(placeholders, ",")+`) ORDER BY due_at`, args...)
	if err != nil {
		return nil, storageErr("load claimed tasks", err)
	}
	tasks := make([]model.Task, 0, len(ids))
	for claimed.Next() {
		t, err := scanTask(claimed)
		if err != nil {
			claimed.Close()
			return nil, storageErr("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := claimed.Close(); err != nil {
		return nil, storageErr("load claimed tasks", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	committed = true
	return tasks, nil
}

// Complete deletes the task if claimToken is still its current claim.
func (r *TaskRepo) Complete(ctx context.Context, id, claimToken string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM deferred_tasks WHERE id = ? AND claim_token = ?`, id, claimToken); err != nil {
		return storageErr("complete task", err)
	}
	return nil
}

// Retry releases the claim and makes the task due again at dueAt.
func (r *TaskRepo) Retry(ctx context.Context, id, claimToken string, dueAt time.Time, lastErr string) error {
	const q = `UPDATE deferred_tasks SET due_at = ?, locked_until = NULL, claim_token = NULL, last_error = ?
               WHERE id = ? AND claim_token = ?`
	if _, err := r.db.ExecContext(ctx, q, dueAt.UTC(), lastErr, id, claimToken); err != nil {
		return storageErr("retry task", err)
	}
	return nil
}

func scanTask(s rowScanner) (*model.Task, error) {
	var t model.Task
	var kind string
	var locked sql.NullTime
	var token, lastErr sql.NullString
	if err := s.Scan(&t.ID, &kind, &t.Key, &t.DueAt, &t.Payload, &t.Attempts, &locked, &token, &lastErr, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = model.TaskKind(kind)
	if locked.Valid {
		lu := locked.Time
		t.LockedUntil = &lu
	}
	t.ClaimToken = token.String
	t.LastError = lastErr.String
	return &t, nil
}
