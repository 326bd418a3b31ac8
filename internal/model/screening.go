package model

import "time"

// Screening is one scheduled showing that seats can be booked for.  The
// catalog owns everything except the occupancy map; the seat map store owns
// the occupancy map and is the only place it changes.
//
// Fields:
//  ID            – primary key identifier.
//  CatalogItemID – reference to the movie in the external catalog.
//  StartsAt      – when the screening begins (UTC).
//  PriceCents    – ticket price per seat in cents.
//  SeatLabels    – the seat layout; every bookable label in display order.
//  Occupancy     – seat label → id of the booking currently holding it.
//  CreatedAt     – creation timestamp.
//  UpdatedAt     – last update timestamp.
type Screening struct {
	ID            string            // screenings.id
	CatalogItemID string            // screenings.catalog_item_id
	StartsAt      time.Time         // screenings.starts_at
	PriceCents    uint32            // screenings.price_cents
	SeatLabels    []string          // screening_seats.seat_label
	Occupancy     map[string]string // screening_seats.booking_id (non-null rows)
	CreatedAt     time.Time         // screenings.created_at
	UpdatedAt     time.Time         // screenings.updated_at
}

// MaxSeatLabelLen is the longest seat label, in characters, that
// screening_seats.seat_label can store.
const MaxSeatLabelLen = 16

// Bookable reports whether the screening still accepts reservations at now.
func (s Screening) Bookable(now time.Time) bool {
	return s.StartsAt.After(now)
}
