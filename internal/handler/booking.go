package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// BookingHandler serves the customer booking endpoints.  All methods
// assume that JWT authentication and role validation has already been
// performed by middleware.
type BookingHandler struct {
	Engine Reservations
	Log    logrus.FieldLogger
}

// NewBookingHandler constructs a BookingHandler.  engine must be non-nil.
func NewBookingHandler(engine Reservations, log logrus.FieldLogger) *BookingHandler {
	if engine == nil {
		panic("nil engine passed to NewBookingHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BookingHandler{Engine: engine, Log: log}
}

type reserveRequest struct {
	Seats []string `json:"seats"`
}

type bookingResponse struct {
	model.Booking
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *BookingHandler) present(b *model.Booking) bookingResponse {
	out := bookingResponse{Booking: *b}
	if b.State == model.BookingPending {
		exp := b.CreatedAt.Add(h.Engine.HoldDuration())
		out.ExpiresAt = &exp
	}
	return out
}

// Reserve handles POST /v1/screenings/:id/bookings.  The body must be
// {"seats": ["A1", "A2"]}.  On success it answers 201 with the PENDING
// booking and the time its hold lapses.  Taken seats answer 409 with the
// list of conflicting labels.
func (h *BookingHandler) Reserve(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	screeningID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	var body reserveRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.Seats) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seats is required"})
	}
	b, err := h.Engine.Reserve(c.Request().Context(), screeningID, userID, body.Seats)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, h.present(b))
}

// GetBooking handles GET /v1/bookings/:id.  Customers only see their own
// bookings.
func (h *BookingHandler) GetBooking(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Engine.GetBooking(c.Request().Context(), id, req)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, h.present(b))
}

// CancelBooking handles DELETE /v1/bookings/:id and, for operators,
// DELETE /v1/owner/bookings/:id.  Only PENDING bookings can be cancelled;
// a paid or already released booking answers 409.
func (h *BookingHandler) CancelBooking(c echo.Context) error {
	req, err := requester(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.Engine.Cancel(c.Request().Context(), id, req)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, h.present(b))
}

// ListMyBookings handles GET /v1/my-bookings and returns the caller's
// bookings, newest first.
func (h *BookingHandler) ListMyBookings(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	list, err := h.Engine.ListUserBookings(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	items := make([]bookingResponse, 0, len(list))
	for i := range list {
		items = append(items, h.present(&list[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}
