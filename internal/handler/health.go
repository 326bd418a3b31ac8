package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Health is a health-check endpoint used by load balancers and monitoring
// systems.  It answers 200 "ok" when every pinger succeeds and 503 naming
// the failing dependency otherwise.
func Health(pingers map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for name, ping := range pingers {
			if err := ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failing": name})
			}
		}
		return c.String(http.StatusOK, "ok")
	}
}
