package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
	ContextUserID = "user_id"
	ContextRole   = "role"
)

// Roles carried in the "role" claim.
const (
	RoleCustomer = "CUSTOMER"
	RoleOwner    = "OWNER"
)

// UserID returns the authenticated subject, or "" when the request is
// anonymous.
func UserID(c echo.Context) string {
	switch v := c.Get(ContextUserID).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
	r, _ := c.Get(ContextRole).(string)
	return r
}
