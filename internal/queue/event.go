// Package queue defines message payloads exchanged over the message broker
// and the background consumer that records them.
package queue

import (
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// EventType names a booking lifecycle event.  Each type is published to the
// durable queue of the same name.
type EventType string

const (
	BookingConfirmed EventType = "booking.confirmed"
	HoldExpired      EventType = "hold.expired"
	BookingCancelled EventType = "booking.cancelled"
	ShowReminder     EventType = "show.reminder"
)

// EventTypes lists every queue the publisher and consumer declare.
var EventTypes = []EventType{BookingConfirmed, HoldExpired, BookingCancelled, ShowReminder}

// BookingEvent is published after a booking decision has been committed.
// It carries enough for downstream consumers to notify the user without
// querying the primary database.
type BookingEvent struct {
	Type        EventType `json:"type"`
	BookingID   string    `json:"booking_id"`
	ScreeningID string    `json:"screening_id"`
	UserID      string    `json:"user_id"`
	SeatLabels  []string  `json:"seats"`
	AmountCents uint32    `json:"amount_cents"`
	PaymentRef  string    `json:"payment_ref,omitempty"`
	StartsAt    string    `json:"starts_at,omitempty"`
	OccurredAt  string    `json:"occurred_at"`
}

// NewBookingEvent builds an event of type t describing b at time at.
func NewBookingEvent(t EventType, b model.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:        t,
		BookingID:   b.ID,
		ScreeningID: b.ScreeningID,
		UserID:      b.UserID,
		SeatLabels:  append([]string(nil), b.Seats...),
		AmountCents: b.AmountCents,
		OccurredAt:  at.UTC().Format(time.RFC3339),
	}
	if b.PaymentRef != nil {
		ev.PaymentRef = *b.PaymentRef
	}
	return ev
}
