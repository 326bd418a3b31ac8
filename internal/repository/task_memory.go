package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// MemoryTaskStore is an in-process TaskStore.  It is durable only for the
// life of the process and is meant for tests and local runs.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]model.Task
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: map[string]model.Task{}}
}

// Put implements TaskStore.
func (s *MemoryTaskStore) Put(ctx context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.tasks[t.ID]
	if existed && !prev.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Attempts, t.LockedUntil, t.ClaimToken, t.LastError = 0, nil, "", ""
	s.tasks[t.ID] = t
	onRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.tasks[prev.ID] = prev
		} else {
			delete(s.tasks, t.ID)
		}
	})
	return nil
}

// Delete implements TaskStore.
func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.tasks[id]
	delete(s.tasks, id)
	if existed {
		onRollback(ctx, func() {
			s.mu.Lock()
			s.tasks[id] = prev
			s.mu.Unlock()
		})
	}
	return nil
}

// Get implements TaskStore.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &t, nil
}

// ClaimDue implements TaskStore.
func (s *MemoryTaskStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]model.Task, 0)
	for _, t := range s.tasks {
		if t.DueAt.After(now) {
			continue
		}
		if t.LockedUntil != nil && t.LockedUntil.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	for i := range due {
		due[i].Attempts++
		lu := until
		due[i].LockedUntil = &lu
		due[i].ClaimToken = uuid.NewString()
		s.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

// Complete implements TaskStore.
func (s *MemoryTaskStore) Complete(_ context.Context, id, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok && t.ClaimToken == claimToken {
		delete(s.tasks, id)
	}
	return nil
}

// Retry implements TaskStore.
func (s *MemoryTaskStore) Retry(_ context.Context, id, claimToken string, dueAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.ClaimToken != claimToken {
		return nil
	}
	t.DueAt, t.LockedUntil, t.ClaimToken, t.LastError = dueAt, nil, "", lastErr
	s.tasks[id] = t
	return nil
}

// Len returns the number of stored tasks.
func (s *MemoryTaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
