package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/signaling/container"
	"github.com/lyzr/sendanywhere/common/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Pair codes are the only gate; any origin may attach
	},
}

// RendezvousHandler upgrades attach requests to websocket connections
type RendezvousHandler struct {
	c *container.Container
}

// NewRendezvousHandler creates a new rendezvous handler
func NewRendezvousHandler(c *container.Container) *RendezvousHandler {
	return &RendezvousHandler{c: c}
}

// Attach joins the rendezvous room of a pair code as sender or receiver
// GET /ws/:code/:role
func (h *RendezvousHandler) Attach(c echo.Context) error {
	code := c.Param("code")
	role := signal.Role(c.Param("role"))
	log := h.c.Components.Logger.WithPairCode(code)

	// 1. Validate before upgrading so failures surface as plain HTTP errors
	session, err := h.c.Registry.Attach(c.Request().Context(), code, role)
	if err != nil {
		return respondError(c, log, err)
	}

	// 2. Upgrade
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "role", role, "error", err)
		return nil // Upgrade already wrote the response
	}

	// 3. Join the room and pump until the connection ends
	peer := h.c.Hub.Attach(session, role, conn)
	peer.Serve()
	return nil
}
