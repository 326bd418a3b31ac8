package repository

import (
	"context"
	"sort"
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// ScreeningCatalog is the read-only view of screening metadata used to
// validate reservations.  Occupancy is not required to be populated.
type ScreeningCatalog interface {
	GetScreening(ctx context.Context, id string) (*model.Screening, error)
	ListStartingBetween(ctx context.Context, from, to time.Time) ([]model.Screening, error)
}

// SeatMapStore owns the per-screening occupancy maps.  WithScreeningLock
// runs fn while holding the screening's exclusive lock; calls for the same
// screening never overlap, calls for different screenings never wait on
// each other.  Changes staged on the SeatMap, and every ledger or task
// write made with the context passed to fn, are committed only when fn
// returns nil.  The lock is released on every path.
type SeatMapStore interface {
	WithScreeningLock(ctx context.Context, screeningID string, fn func(ctx context.Context, seats *SeatMap) error) error
	Occupancy(ctx context.Context, screeningID string) (map[string]string, error)
	SaveScreening(ctx context.Context, s model.Screening) error
}

// SeatMap is the working copy of one screening's occupancy inside a
// critical section.  It is not safe to retain after the callback returns.
type SeatMap struct {
	screeningID string
	layout      map[string]struct{}
	occupied    map[string]string
	assigned    map[string]string // label → booking id, staged
	released    map[string]string // label → booking id, staged
}

func newSeatMap(screeningID string, labels []string, occupied map[string]string) *SeatMap {
	m := &SeatMap{
		screeningID: screeningID,
		layout:      make(map[string]struct{}, len(labels)),
		occupied:    make(map[string]string, len(occupied)),
		assigned:    map[string]string{},
		released:    map[string]string{},
	}
	for _, l := range labels {
		m.layout[l] = struct{}{}
	}
	for l, b := range occupied {
		m.occupied[l] = b
	}
	return m
}

// ScreeningID returns the screening the map belongs to.
func (m *SeatMap) ScreeningID() string { return m.screeningID }

// Unknown returns the labels that are not part of the screening's layout.
func (m *SeatMap) Unknown(labels []string) []string {
	var out []string
	for _, l := range labels {
		if _, ok := m.layout[l]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// HolderOf returns the booking id holding label, if any.
func (m *SeatMap) HolderOf(label string) (string, bool) {
	b, ok := m.occupied[label]
	return b, ok
}

// Conflicts returns the labels already present in the map.
func (m *SeatMap) Conflicts(labels []string) []string {
	var out []string
	for _, l := range labels {
		if _, ok := m.occupied[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Assign writes every label for bookingID.  If any label is occupied it
// returns a *SeatUnavailableError and changes nothing.
func (m *SeatMap) Assign(bookingID string, labels []string) error {
	if taken := m.Conflicts(labels); len(taken) > 0 {
		return &SeatUnavailableError{Seats: taken}
	}
	for _, l := range labels {
		m.occupied[l] = bookingID
		if prev, ok := m.released[l]; ok && prev == bookingID {
			delete(m.released, l)
			continue
		}
		m.assigned[l] = bookingID
	}
	return nil
}

// ReleaseHeldBy removes the labels that still point at bookingID and
// returns them.  Labels held by another booking are left untouched.
func (m *SeatMap) ReleaseHeldBy(bookingID string, labels []string) []string {
	var out []string
	for _, l := range labels {
		if holder, ok := m.occupied[l]; !ok || holder != bookingID {
			continue
		}
		delete(m.occupied, l)
		if _, staged := m.assigned[l]; staged {
			delete(m.assigned, l)
		} else {
			m.released[l] = bookingID
		}
		out = append(out, l)
	}
	return out
}

// Occupancy returns a copy of the current working map.
func (m *SeatMap) Occupancy() map[string]string {
	out := make(map[string]string, len(m.occupied))
	for l, b := range m.occupied {
		out[l] = b
	}
	return out
}

// Assigned returns the staged assignments sorted by label.
func (m *SeatMap) Assigned() []SeatChange { return sortedChanges(m.assigned) }

// Released returns the staged releases sorted by label.
func (m *SeatMap) Released() []SeatChange { return sortedChanges(m.released) }

// SeatChange is one staged seat map write.
type SeatChange struct {
	Label     string
	BookingID string
}

func sortedChanges(in map[string]string) []SeatChange {
	out := make([]SeatChange, 0, len(in))
	for l, b := range in {
		out = append(out, SeatChange{Label: l, BookingID: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
