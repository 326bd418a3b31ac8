// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// reservation engine and the handlers to distinguish between different
// failure scenarios without knowing which backend produced them.
package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be performed because of
// conflicting state, such as removing a seat from a screening's layout
// while a booking still holds it. Handlers should translate this into an
// HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrScreeningNotFound indicates that no screening with the given id exists.
var ErrScreeningNotFound = errors.New("screening not found")

// ErrBookingNotFound indicates that no booking with the given id exists.
var ErrBookingNotFound = errors.New("booking not found")

// ErrStateConflict is returned by a compare-and-set transition when the
// booking is no longer in the expected state.  Whoever sees it lost a race.
var ErrStateConflict = errors.New("booking state conflict")

// ErrStorageUnavailable wraps backend failures other than rejected values.  Nothing was committed
// and the caller may retry.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrInvalidData is returned when the database rejects a value as
// malformed: too long, out of range or missing.  Retrying the same write
// cannot succeed.
var ErrInvalidData = errors.New("invalid data")

// SeatUnavailableError lists requested seats that another booking already
// holds.  Nothing is committed when it is returned.
type SeatUnavailableError struct {
	Seats []string
}

func (e *SeatUnavailableError) Error() string {
	return "seats unavailable: " + strings.Join(e.Seats, ",")
}

// MySQL server error numbers that reject the value rather than the
// server state.
const (
	erBadNull        = 1048
	erTruncatedValue = 1292
	erOutOfRange     = 1264
	erWrongValue     = 1366
	erDataTooLong    = 1406
)

// storageErr tags err as an infrastructure failure while keeping the
// original error reachable through errors.Is/As.  Values the server
// refused are tagged ErrInvalidData instead.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erBadNull, erTruncatedValue, erOutOfRange, erWrongValue, erDataTooLong:
			return fmt.Errorf("%s: %w: %w", op, ErrInvalidData, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
