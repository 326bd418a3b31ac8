package model

import "time"

// TaskKind names the handler a deferred task is dispatched to.
type TaskKind string

const (
	// TaskHoldExpiry releases a pending booking whose hold lapsed.  Key is
	// the booking id.
	TaskHoldExpiry TaskKind = "hold_expiry"
	// TaskShowReminder runs the recurring upcoming-screening reminder sweep.
	TaskShowReminder TaskKind = "show_reminder"
)

// Task is a durable deferred action: it becomes due at DueAt and is handed
// to the handler registered for Kind at least once.  A task is identified
// by (Kind, Key); scheduling the same pair again replaces the due time.
//
// Fields:
//  ID          – kind and key joined by ":"; primary key.
//  Kind        – handler selector.
//  Key         – subject of the task (booking id, sweep name).
//  DueAt       – earliest time the task may run.
//  Payload     – optional handler-specific bytes.
//  Attempts    – number of times the task was claimed.
//  LockedUntil – lease expiry of the current claim, if any.
//  ClaimToken  – token of the current claim; a rescheduled task loses it.
//  LastError   – error text of the last failed attempt.
//  CreatedAt   – when the task was first scheduled.
type Task struct {
	ID          string     // deferred_tasks.id
	Kind        TaskKind   // deferred_tasks.kind
	Key         string     // deferred_tasks.task_key
	DueAt       time.Time  // deferred_tasks.due_at
	Payload     []byte     // deferred_tasks.payload
	Attempts    int        // deferred_tasks.attempts
	LockedUntil *time.Time // deferred_tasks.locked_until (nullable)
	ClaimToken  string     // deferred_tasks.claim_token
	LastError   string     // deferred_tasks.last_error
	CreatedAt   time.Time  // deferred_tasks.created_at
}

// TaskID builds the identifier for a kind/key pair.
func TaskID(kind TaskKind, key string) string {
	return string(kind) + ":" + key
}
