package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// MemoryScreeningStore is an in-process ScreeningCatalog and SeatMapStore
// used by tests and by STORE_DRIVER=memory.  Each screening has its own
// mutex; the store-wide mutex only guards the maps themselves and is never
// held while a callback runs.
type MemoryScreeningStore struct {
	mu         sync.Mutex
	screenings map[string]*model.Screening
	locks      map[string]*sync.Mutex
}

// NewMemoryScreeningStore returns an empty store.
func NewMemoryScreeningStore() *MemoryScreeningStore {
	return &MemoryScreeningStore{
		screenings: map[string]*model.Screening{},
		locks:      map[string]*sync.Mutex{},
	}
}

func (s *MemoryScreeningStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryScreeningStore) snapshot(id string) (*model.Screening, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scr, ok := s.screenings[id]
	if !ok {
		return nil, false
	}
	return cloneScreening(scr), true
}

// GetScreening implements ScreeningCatalog.
func (s *MemoryScreeningStore) GetScreening(_ context.Context, id string) (*model.Screening, error) {
	scr, ok := s.snapshot(id)
	if !ok {
		return nil, ErrScreeningNotFound
	}
	return scr, nil
}

// ListStartingBetween implements ScreeningCatalog.
func (s *MemoryScreeningStore) ListStartingBetween(_ context.Context, from, to time.Time) ([]model.Screening, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]model.Screening, 0)
	for _, scr := range s.screenings {
		if !scr.StartsAt.Before(from) && scr.StartsAt.Before(to) {
			list = append(list, *cloneScreening(scr))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartsAt.Before(list[j].StartsAt) })
	return list, nil
}

// Occupancy implements SeatMapStore.
func (s *MemoryScreeningStore) Occupancy(_ context.Context, screeningID string) (map[string]string, error) {
	scr, ok := s.snapshot(screeningID)
	if !ok {
		return nil, ErrScreeningNotFound
	}
	return scr.Occupancy, nil
}

// WithScreeningLock implements SeatMapStore.  Ledger and task writes made
// through the callback's context are undone if the callback fails.
func (s *MemoryScreeningStore) WithScreeningLock(ctx context.Context, screeningID string, fn func(ctx context.Context, seats *SeatMap) error) error {
	l := s.lockFor(screeningID)
	l.Lock()
	defer l.Unlock()

	scr, ok := s.snapshot(screeningID)
	if !ok {
		return ErrScreeningNotFound
	}
	seats := newSeatMap(screeningID, scr.SeatLabels, scr.Occupancy)
	uctx, j := withJournal(ctx)
	if err := fn(uctx, seats); err != nil {
		j.rollback()
		return err
	}
	s.mu.Lock()
	s.screenings[screeningID].Occupancy = seats.Occupancy()
	s.mu.Unlock()
	return nil
}

// SaveScreening implements SeatMapStore.
func (s *MemoryScreeningStore) SaveScreening(_ context.Context, in model.Screening) error {
	l := s.lockFor(in.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	occ := map[string]string{}
	created := now
	if cur, ok := s.screenings[in.ID]; ok {
		keep := make(map[string]struct{}, len(in.SeatLabels))
		for _, lbl := range in.SeatLabels {
			keep[lbl] = struct{}{}
		}
		for lbl := range cur.Occupancy {
			if _, ok := keep[lbl]; !ok {
				return ErrConflict
			}
		}
		occ = cur.Occupancy
		created = cur.CreatedAt
	}
	scr := cloneScreening(&in)
	scr.StartsAt = in.StartsAt.UTC()
	scr.Occupancy = occ
	scr.CreatedAt, scr.UpdatedAt = created, now
	s.screenings[in.ID] = scr
	return nil
}

func cloneScreening(in *model.Screening) *model.Screening {
	out := *in
	out.SeatLabels = append([]string(nil), in.SeatLabels...)
	out.Occupancy = make(map[string]string, len(in.Occupancy))
	for l, b := range in.Occupancy {
		out.Occupancy[l] = b
	}
	return &out
}
