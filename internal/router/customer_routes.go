package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/screening-reservations/internal/middleware"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT and the CUSTOMER role.  Customers can reserve
// seats, view and cancel their own bookings and list them.  Reservation is
// rate limited per user.
func RegisterCustomer(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleCustomer),
	)
	g.POST("/screenings/:id/bookings", d.Bookings.Reserve, middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Log))
	g.GET("/bookings/:id", d.Bookings.GetBooking)
	g.DELETE("/bookings/:id", d.Bookings.CancelBooking)
	g.GET("/my-bookings", d.Bookings.ListMyBookings)
}
