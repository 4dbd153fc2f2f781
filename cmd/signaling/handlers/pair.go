package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/signaling/container"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/models"
)

// PairHandler handles pair code requests
type PairHandler struct {
	c *container.Container
}

// NewPairHandler creates a new pair handler
func NewPairHandler(c *container.Container) *PairHandler {
	return &PairHandler{c: c}
}

// CreatePair issues a pair code for a manifest
// POST /api/v1/pair
func (h *PairHandler) CreatePair(c echo.Context) error {
	var req models.CreatePairRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, h.c.Components.Logger, apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request body"))
	}

	resp, err := h.c.Registry.Create(c.Request().Context(), req)
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	return c.JSON(http.StatusCreated, resp)
}

// GetPair resolves a pair code
// GET /api/v1/pair/:code
func (h *PairHandler) GetPair(c echo.Context) error {
	code := c.Param("code")

	session, err := h.c.Registry.Lookup(c.Request().Context(), code)
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	roles := h.c.Hub.RolesPresent(code)
	status := models.PairWaiting
	if len(roles) == 2 {
		status = models.PairPaired
	}

	return c.JSON(http.StatusOK, models.PairInfo{
		Code:         session.Code,
		TransferID:   session.TransferID,
		Manifest:     session.Manifest,
		Status:       status,
		RolesPresent: roles,
		ExpiresAt:    session.ExpiresAt,
	})
}

// ClosePair releases a pair code and disconnects its rendezvous
// DELETE /api/v1/pair/:code
func (h *PairHandler) ClosePair(c echo.Context) error {
	code := c.Param("code")

	if err := h.c.Registry.Close(c.Request().Context(), code); err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":   code,
		"status": "closed",
	})
}

// Stats returns registry and hub counters
// GET /api/v1/stats
func (h *PairHandler) Stats(c echo.Context) error {
	active, err := h.c.Registry.Count(c.Request().Context())
	if err != nil {
		return respondError(c, h.c.Components.Logger, apperr.Wrap(apperr.CodeUnavailable, err, "failed to count sessions"))
	}

	return c.JSON(http.StatusOK, models.PairStats{
		ActiveSessions: active,
		ConnectedPeers: h.c.Hub.GetConnectionCount(),
		OpenRooms:      h.c.Hub.GetRoomCount(),
	})
}
