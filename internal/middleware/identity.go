package middleware

// identity.go holds the context keys written by JWTAuth and the helpers
// handlers and other middleware use to read the authenticated caller.

import (
    "strconv"

    "github.com/labstack/echo/v4"
)

const (
    ctxUserID = "user_id"
    ctxRole   = "role"
)

// UserID returns the authenticated subject, or "" when the request is
// anonymous.
func UserID(c echo.Context) string {
    if s, ok := c.Get(ctxUserID).(string); ok {
        return s
    }
    return ""
}

// Role returns the caller's role claim in upper case, or "".
func Role(c echo.Context) string {
    if s, ok := c.Get(ctxRole).(string); ok {
        return s
    }
    return ""
}

// claimString normalises a JWT claim to a string.  Identity providers
// issue numeric subjects as JSON numbers, which decode as float64.
func claimString(v interface{}) string {
    switch t := v.(type) {
    case string:
        return t
    case float64:
        return strconv.FormatFloat(t, 'f', -1, 64)
    case int64:
        return strconv.FormatInt(t, 10)
    case int:
        return strconv.Itoa(t)
    }
    return ""
}
