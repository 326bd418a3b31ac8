package handler // handler defines http handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/middleware"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/repository"
	"github.com/iliyamo/screening-reservations/internal/service"
)

// Reservations is the engine surface the handlers call.  *service.Engine
// implements it.
type Reservations interface {
	Reserve(ctx context.Context, screeningID, userID string, seats []string) (*model.Booking, error)
	ConfirmPayment(ctx context.Context, bookingID, paymentRef string) (*model.Booking, error)
	Cancel(ctx context.Context, bookingID string, req service.Requester) (*model.Booking, error)
	GetBooking(ctx context.Context, bookingID string, req service.Requester) (*model.Booking, error)
	ListUserBookings(ctx context.Context, userID string) ([]model.Booking, error)
	Availability(ctx context.Context, screeningID string) (*service.Availability, error)
	Audit(ctx context.Context, screeningID string) (*service.AuditReport, error)
	SyncScreening(ctx context.Context, s model.Screening) error
	HoldDuration() time.Duration
}

var errUnauthenticated = errors.New("user id missing from context")

// getUserID extracts the authenticated user id stored by JWTAuth.
func getUserID(c echo.Context) (string, error) {
	uid := strings.TrimSpace(middleware.UserID(c))
	if uid == "" {
		return "", errUnauthenticated
	}
	return uid, nil
}

// requester builds the engine identity of the caller.
func requester(c echo.Context) (service.Requester, error) {
	uid, err := getUserID(c)
	if err != nil {
		return service.Requester{}, err
	}
	return service.Requester{UserID: uid, Operator: middleware.Role(c) == middleware.RoleOwner}, nil
}

// pathID returns a trimmed, non-empty path parameter.
func pathID(c echo.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	return id, id != ""
}

// writeError maps engine and storage errors to HTTP responses.  Unknown
// errors are logged and reported as 500 without details.
func writeError(c echo.Context, log logrus.FieldLogger, err error) error {
	var unavailable *repository.SeatUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":       "seats unavailable",
			"unavailable": unavailable.Seats,
		})
	case errors.Is(err, service.ErrInvalidSeatSelection):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidScreening):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrScreeningNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "screening not found"})
	case errors.Is(err, service.ErrScreeningNotBookable):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "screening is no longer bookable"})
	case errors.Is(err, repository.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, service.ErrAlreadyFinalized):
		return c.JSON(http.StatusConflict, echo.Map{"error": "too late: booking already finalized"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict: seat is held by a booking"})
	case errors.Is(err, repository.ErrInvalidData):
		log.WithError(err).Info("handler: value rejected by storage")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid data"})
	case errors.Is(err, repository.ErrStorageUnavailable):
		log.WithError(err).Warn("handler: storage unavailable")
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage unavailable, retry later"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "request cancelled"})
	default:
		log.WithError(err).Error("handler: unexpected error")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
