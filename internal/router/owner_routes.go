package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/screening-reservations/internal/middleware"
)

// RegisterOwner registers operator endpoints under /v1/owner.  They require
// the OWNER role.  Operators sync screenings from the catalog, cancel any
// pending booking and audit occupancy.
func RegisterOwner(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1/owner",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleOwner),
	)
	g.PUT("/screenings/:id", d.Screenings.SyncScreening)
	g.GET("/screenings/:id/audit", d.Screenings.Audit)
	g.DELETE("/bookings/:id", d.Bookings.CancelBooking)
}
