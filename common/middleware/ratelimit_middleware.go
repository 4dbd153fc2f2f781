package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/common/ratelimit"
)

// ClientRateLimitMiddleware limits requests per client IP within scope
// A nil limiter disables the check (no Redis configured)
func ClientRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, scope ratelimit.Scope, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rateLimiter == nil || limit <= 0 {
				return next(c)
			}

			client := c.RealIP()
			result, err := rateLimiter.CheckClientLimit(c.Request().Context(), scope, client, limit, windowSec)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfterSeconds))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please wait before trying again.",
					"details": map[string]interface{}{
						"scope":               scope,
						"limit":               result.Limit,
						"window":              fmt.Sprintf("%d seconds", windowSec),
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
