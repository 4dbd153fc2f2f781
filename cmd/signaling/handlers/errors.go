package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
)

// respondError writes err as {"error", "message"} with its mapped status
func respondError(c echo.Context, log *logger.Logger, err error) error {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		log.Error("request failed", "path", c.Path(), "error", err)
	} else {
		log.Debug("request rejected", "path", c.Path(), "status", status, "error", err)
	}
	return c.JSON(status, apperr.ToBody(err))
}
