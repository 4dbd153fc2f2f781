package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/common/logger"
)

// RequestLogger logs one line per request at debug level, or warn for 5xx
func RequestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			args := []any{
				"method", req.Method,
				"path", c.Path(),
				"status", status,
				"bytes_out", c.Response().Size,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			}

			if status >= 500 {
				log.Warn("request failed", args...)
			} else {
				log.Debug("request", args...)
			}
			return nil
		}
	}
}
