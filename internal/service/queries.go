package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// Availability is the public seat map of a screening.  Booking ids are not
// exposed.
type Availability struct {
	ScreeningID   string    `json:"screening_id"`
	CatalogItemID string    `json:"catalog_item_id"`
	StartsAt      time.Time `json:"starts_at"`
	PriceCents    uint32    `json:"price_cents"`
	Seats         []string  `json:"seats"`
	Occupied      []string  `json:"occupied"`
	Available     int       `json:"available"`
}

// AuditReport compares a screening's occupancy map with its bookings.
// Phantom seats are occupied without a live booking behind them; missing
// seats belong to a live booking but are free in the map.
type AuditReport struct {
	ScreeningID string   `json:"screening_id"`
	Occupied    int      `json:"occupied"`
	LiveSeats   int      `json:"live_seats"`
	Phantom     []string `json:"phantom"`
	Missing     []string `json:"missing"`
	Consistent  bool     `json:"consistent"`
}

// GetBooking returns a booking visible to req.
func (e *Engine) GetBooking(ctx context.Context, bookingID string, req Requester) (*model.Booking, error) {
	b, err := e.ledger.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !req.Operator && b.UserID != req.UserID {
		return nil, ErrForbidden
	}
	return b, nil
}

// ListUserBookings returns the bookings of userID, newest first.
func (e *Engine) ListUserBookings(ctx context.Context, userID string) ([]model.Booking, error) {
	return e.ledger.ListByUser(ctx, userID)
}

// Availability returns the layout and the occupied labels of a screening.
func (e *Engine) Availability(ctx context.Context, screeningID string) (*Availability, error) {
	scr, err := e.catalog.GetScreening(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	occupied := make([]string, 0, len(scr.Occupancy))
	for _, l := range scr.SeatLabels {
		if _, ok := scr.Occupancy[l]; ok {
			occupied = append(occupied, l)
		}
	}
	return &Availability{
		ScreeningID:   scr.ID,
		CatalogItemID: scr.CatalogItemID,
		StartsAt:      scr.StartsAt,
		PriceCents:    scr.PriceCents,
		Seats:         scr.SeatLabels,
		Occupied:      occupied,
		Available:     len(scr.SeatLabels) - len(occupied),
	}, nil
}

// Audit checks that the occupied seats of a screening are exactly the
// seats of its PENDING and PAID bookings.
func (e *Engine) Audit(ctx context.Context, screeningID string) (*AuditReport, error) {
	occ, err := e.seats.Occupancy(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	bookings, err := e.ledger.ListByScreening(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	live := map[string]string{}
	for _, b := range bookings {
		if !b.State.HoldsSeats() {
			continue
		}
		for _, l := range b.Seats {
			live[l] = b.ID
		}
	}
	rep := &AuditReport{ScreeningID: screeningID, Occupied: len(occ), LiveSeats: len(live), Phantom: []string{}, Missing: []string{}}
	for l, holder := range occ {
		if live[l] != holder {
			rep.Phantom = append(rep.Phantom, l)
		}
	}
	for l, holder := range live {
		if occ[l] != holder {
			rep.Missing = append(rep.Missing, l)
		}
	}
	sort.Strings(rep.Phantom)
	sort.Strings(rep.Missing)
	rep.Consistent = len(rep.Phantom) == 0 && len(rep.Missing) == 0
	return rep, nil
}

// SyncScreening stores catalog metadata and the seat layout of a
// screening.  Removing a seat that a booking holds fails with
// repository.ErrConflict.
func (e *Engine) SyncScreening(ctx context.Context, s model.Screening) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.CatalogItemID) == "" {
		return fmt.Errorf("%w: id and catalog_item_id are required", ErrInvalidScreening)
	}
	if s.StartsAt.IsZero() {
		return fmt.Errorf("%w: starts_at is required", ErrInvalidScreening)
	}
	labels, err := normaliseSeats(s.SeatLabels)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScreening, err)
	}
	s.SeatLabels = labels
	if err := e.seats.SaveScreening(ctx, s); err != nil {
		return err
	}
	e.log.WithField("screening_id", s.ID).WithField("seats", len(labels)).Info("engine: screening synced")
	return nil
}
