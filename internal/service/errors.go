package service

import (
	"errors"

	"github.com/iliyamo/screening-reservations/internal/repository"
)

// ErrInvalidSeatSelection is returned when the requested seat list is
// empty, repeats a label, or names a seat outside the screening's layout.
var ErrInvalidSeatSelection = errors.New("invalid seat selection")

// ErrScreeningNotBookable is returned when the screening does not exist or
// has already started.
var ErrScreeningNotBookable = errors.New("screening not bookable")

// ErrAlreadyFinalized is returned by ConfirmPayment and Cancel when the
// booking left PENDING before the call could act on it.
var ErrAlreadyFinalized = errors.New("booking already finalized")

// ErrInvalidScreening is returned by SyncScreening for malformed metadata.
var ErrInvalidScreening = errors.New("invalid screening")

// ErrForbidden is repository.ErrForbidden, re-exported so handlers only
// need this package for engine outcomes.
var ErrForbidden = repository.ErrForbidden
