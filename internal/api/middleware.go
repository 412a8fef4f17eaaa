package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

const HeaderRequestID = "X-Request-Id"

func newRequestID() string {
	return uuid.NewString()
}

// RequestID echoes the caller's X-Request-Id or assigns a fresh one.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(HeaderRequestID)
			if id == "" {
				id = newRequestID()
				c.Request().Header.Set(HeaderRequestID, id)
			}
			c.Response().Header().Set(HeaderRequestID, id)
			return next(c)
		}
	}
}

// RateLimit rejects requests beyond rps per second, allowing bursts of up to
// burst requests. A non-positive rps disables the limit.
func RateLimit(rps float64, burst int) echo.MiddlewareFunc {
	if rps <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	lim := rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !lim.Allow() {
				return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "rate_limited")
			}
			return next(c)
		}
	}
}

// BodyLimit caps request bodies at n bytes. Reads past the cap fail with
// *http.MaxBytesError.
func BodyLimit(n int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if n > 0 {
				r := c.Request()
				r.Body = http.MaxBytesReader(c.Response(), r.Body, n)
			}
			return next(c)
		}
	}
}
