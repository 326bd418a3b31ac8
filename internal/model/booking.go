package model

import "time"

// BookingState is the lifecycle state of a booking.
type BookingState string

const (
	// BookingPending holds seats until payment arrives or the hold lapses.
	BookingPending BookingState = "PENDING"
	// BookingPaid is terminal; the seats are sold.
	BookingPaid BookingState = "PAID"
	// BookingReleased is terminal; the seats went back to the pool.
	BookingReleased BookingState = "RELEASED"
)

// Terminal reports whether no further transition is allowed from s.
func (s BookingState) Terminal() bool {
	return s == BookingPaid || s == BookingReleased
}

// HoldsSeats reports whether a booking in state s must appear in the
// occupancy map.
func (s BookingState) HoldsSeats() bool {
	return s == BookingPending || s == BookingPaid
}

// ReleaseReason records why a booking was released.
type ReleaseReason string

const (
	ReleaseExpired   ReleaseReason = "EXPIRED"
	ReleaseCancelled ReleaseReason = "CANCELLED"
)

// Booking records one reservation attempt for a screening.  Seats are
// fixed at creation; only State, PaymentRef, ReleaseReason and UpdatedAt
// change afterwards, and only through a compare-and-set transition.
//
// Fields:
//  ID            – primary key identifier (uuid).
//  ScreeningID   – screening being booked.
//  UserID        – user who requested the booking.
//  Seats         – requested seat labels in request order.
//  AmountCents   – total price in cents for all seats.
//  State         – PENDING, PAID or RELEASED.
//  PaymentRef    – external payment reference once paid.
//  ReleaseReason – EXPIRED or CANCELLED once released.
//  CreatedAt     – creation timestamp.
//  UpdatedAt     – last transition timestamp.
type Booking struct {
	ID            string        `json:"id"`                       // bookings.id
	ScreeningID   string        `json:"screening_id"`             // bookings.screening_id
	UserID        string        `json:"user_id"`                  // bookings.user_id
	Seats         []string      `json:"seats"`                    // booking_seats.seat_label
	AmountCents   uint32        `json:"amount_cents"`             // bookings.amount_cents
	State         BookingState  `json:"state"`                    // bookings.state
	PaymentRef    *string       `json:"payment_ref,omitempty"`    // bookings.payment_ref (nullable)
	ReleaseReason ReleaseReason `json:"release_reason,omitempty"` // bookings.release_reason (nullable)
	CreatedAt     time.Time     `json:"created_at"`               // bookings.created_at
	UpdatedAt     time.Time     `json:"updated_at"`               // bookings.updated_at
}

// Clone returns a deep copy so callers can never alias ledger storage.
func (b Booking) Clone() Booking {
	out := b
	out.Seats = append([]string(nil), b.Seats...)
	if b.PaymentRef != nil {
		ref := *b.PaymentRef
		out.PaymentRef = &ref
	}
	return out
}
