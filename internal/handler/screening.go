package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// ScreeningHandler serves the public seat map and the operator screening
// endpoints.
type ScreeningHandler struct {
	Engine Reservations
	Log    logrus.FieldLogger
}

// NewScreeningHandler constructs a ScreeningHandler.
func NewScreeningHandler(engine Reservations, log logrus.FieldLogger) *ScreeningHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ScreeningHandler{Engine: engine, Log: log}
}

// GetSeats handles GET /v1/screenings/:id/seats.  No authentication is
// required so guests can see availability before logging in.
func (h *ScreeningHandler) GetSeats(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	av, err := h.Engine.Availability(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, av)
}

type syncScreeningRequest struct {
	CatalogItemID string    `json:"catalog_item_id"`
	StartsAt      time.Time `json:"starts_at"`
	PriceCents    uint32    `json:"price_cents"`
	Seats         []string  `json:"seats"`
}

// SyncScreening handles PUT /v1/owner/screenings/:id.  It creates the
// screening or replaces its metadata and layout.  Dropping a seat that a
// booking holds answers 409.
func (h *ScreeningHandler) SyncScreening(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	var body syncScreeningRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	scr := model.Screening{
		ID:            id,
		CatalogItemID: body.CatalogItemID,
		StartsAt:      body.StartsAt,
		PriceCents:    body.PriceCents,
		SeatLabels:    body.Seats,
	}
	if err := h.Engine.SyncScreening(c.Request().Context(), scr); err != nil {
		return writeError(c, h.Log, err)
	}
	av, err := h.Engine.Availability(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, av)
}

// Audit handles GET /v1/owner/screenings/:id/audit and reports seats
// whose occupancy disagrees with the ledger.
func (h *ScreeningHandler) Audit(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	rep, err := h.Engine.Audit(c.Request().Context(), id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if !rep.Consistent {
		h.Log.WithFields(logrus.Fields{"screening_id": id, "phantom": rep.Phantom, "missing": rep.Missing}).Error("audit: occupancy mismatch")
	}
	return c.JSON(http.StatusOK, rep)
}
