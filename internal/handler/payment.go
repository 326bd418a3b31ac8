package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// PaymentHandler receives payment outcome callbacks from the payment
// provider.  Requests must carry the shared secret in X-Payment-Secret.
type PaymentHandler struct {
	Engine Reservations
	Secret string
	Log    logrus.FieldLogger
}

// NewPaymentHandler constructs a PaymentHandler.  An empty secret
// disables the callback.
func NewPaymentHandler(engine Reservations, secret string, log logrus.FieldLogger) *PaymentHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PaymentHandler{Engine: engine, Secret: secret, Log: log}
}

type paymentCallback struct {
	BookingID  string `json:"booking_id"`
	PaymentRef string `json:"payment_ref"`
	Status     string `json:"status"`
}

// Callback handles POST /v1/payments/callback.  A "succeeded" status
// confirms the booking; 409 means the hold lapsed or was cancelled first
// and the payment must be refunded upstream.  A "failed" status is
// acknowledged and the hold is left to expire.
func (h *PaymentHandler) Callback(c echo.Context) error {
	if h.Secret == "" {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "payment callback disabled"})
	}
	got := c.Request().Header.Get("X-Payment-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid payment secret"})
	}
	var body paymentCallback
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	body.BookingID = strings.TrimSpace(body.BookingID)
	body.PaymentRef = strings.TrimSpace(body.PaymentRef)
	if body.BookingID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "booking_id is required"})
	}
	entry := h.Log.WithFields(logrus.Fields{"booking_id": body.BookingID, "payment_ref": body.PaymentRef, "status": body.Status})

	switch strings.ToLower(body.Status) {
	case "succeeded":
		if body.PaymentRef == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "payment_ref is required"})
		}
		b, err := h.Engine.ConfirmPayment(c.Request().Context(), body.BookingID, body.PaymentRef)
		if err != nil {
			entry.WithError(err).Info("payment: confirmation rejected")
			return writeError(c, h.Log, err)
		}
		return c.JSON(http.StatusOK, b)
	case "failed":
		entry.Info("payment: failed signal received, hold left to expire")
		return c.JSON(http.StatusAccepted, echo.Map{"booking_id": body.BookingID, "status": "acknowledged"})
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "status must be succeeded or failed"})
	}
}
