package repository

import (
	"context"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// BookingLedger owns booking records.  TransitionIfState is the only way to
// change a booking's state: it applies mutate and moves the booking from
// `from` to `to` only if the stored state still equals `from`, returning
// ErrStateConflict otherwise.  Of several callers racing on one booking at
// most one succeeds.
type BookingLedger interface {
	Create(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id string) (*model.Booking, error)
	ListByScreening(ctx context.Context, screeningID string) ([]model.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]model.Booking, error)
	TransitionIfState(ctx context.Context, id string, from, to model.BookingState, mutate func(*model.Booking)) (*model.Booking, error)
}
