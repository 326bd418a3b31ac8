package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/config"
	"github.com/iliyamo/screening-reservations/internal/handler"
	"github.com/iliyamo/screening-reservations/internal/middleware"
)

// Deps bundles everything the routes need.  Redis may be nil, in which
// case caching and rate limiting are pass-through.
type Deps struct {
	Bookings   *handler.BookingHandler
	Screenings *handler.ScreeningHandler
	Payments   *handler.PaymentHandler
	Pingers    map[string]handler.Pinger
	JWTSecret  string
	Redis      *redis.Client
	Cache      config.CacheConfig
	RateLimit  config.RateLimitConfig
	Log        logrus.FieldLogger
}

// RegisterRoutes registers every route of the API on e.
func RegisterRoutes(e *echo.Echo, d Deps) {
	RegisterPublic(e, d)
	RegisterCustomer(e, d)
	RegisterOwner(e, d)
	RegisterPayments(e, d)
}

// RegisterPublic registers routes that do not require authentication: the
// health check and the seat map.  The seat map is served through the
// Redis response cache.
func RegisterPublic(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health(d.Pingers))
	e.GET("/v1/screenings/:id/seats", d.Screenings.GetSeats, middleware.NewRedisCache(d.Cache, d.Redis, d.Log))
}

// RegisterPayments registers the payment provider callback.  It is
// authenticated by a shared secret rather than a user token.
func RegisterPayments(e *echo.Echo, d Deps) {
	e.POST("/v1/payments/callback", d.Payments.Callback)
}
