package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// MemoryBookingLedger is an in-process BookingLedger.  One mutex makes each
// call atomic, which is exactly the compare-and-set TransitionIfState needs.
type MemoryBookingLedger struct {
	mu       sync.Mutex
	bookings map[string]model.Booking
}

// NewMemoryBookingLedger returns an empty ledger.
func NewMemoryBookingLedger() *MemoryBookingLedger {
	return &MemoryBookingLedger{bookings: map[string]model.Booking{}}
}

// Create implements BookingLedger.
func (l *MemoryBookingLedger) Create(ctx context.Context, b *model.Booking) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.bookings[b.ID]; exists {
		return ErrConflict
	}
	l.bookings[b.ID] = b.Clone()
	id := b.ID
	onRollback(ctx, func() {
		l.mu.Lock()
		delete(l.bookings, id)
		l.mu.Unlock()
	})
	return nil
}

// Get implements BookingLedger.
func (l *MemoryBookingLedger) Get(_ context.Context, id string) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	out := b.Clone()
	return &out, nil
}

// ListByScreening implements BookingLedger.
func (l *MemoryBookingLedger) ListByScreening(_ context.Context, screeningID string) ([]model.Booking, error) {
	out := l.filter(func(b model.Booking) bool { return b.ScreeningID == screeningID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListByUser implements BookingLedger.
func (l *MemoryBookingLedger) ListByUser(_ context.Context, userID string) ([]model.Booking, error) {
	out := l.filter(func(b model.Booking) bool { return b.UserID == userID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (l *MemoryBookingLedger) filter(keep func(model.Booking) bool) []model.Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Booking, 0)
	for _, b := range l.bookings {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	return out
}

// TransitionIfState implements BookingLedger.
func (l *MemoryBookingLedger) TransitionIfState(ctx context.Context, id string, from, to model.BookingState, mutate func(*model.Booking)) (*model.Booking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	if cur.State != from {
		return nil, ErrStateConflict
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.ScreeningID, next.UserID = cur.ID, cur.ScreeningID, cur.UserID
	next.Seats = append([]string(nil), cur.Seats...)
	next.State = to
	l.bookings[id] = next
	onRollback(ctx, func() {
		l.mu.Lock()
		l.bookings[id] = cur
		l.mu.Unlock()
	})
	out := next.Clone()
	return &out, nil
}
