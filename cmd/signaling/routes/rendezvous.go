package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/signaling/container"
	"github.com/lyzr/sendanywhere/cmd/signaling/handlers"
	"github.com/lyzr/sendanywhere/common/middleware"
	"github.com/lyzr/sendanywhere/common/ratelimit"
)

// RegisterRendezvousRoutes registers the websocket attach endpoint
func RegisterRendezvousRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRendezvousHandler(c)

	// Attaches resolve codes too, so they share the lookup budget
	lookupLimit := middleware.ClientRateLimitMiddleware(c.RateLimiter, ratelimit.ScopePairLookup, c.LookupLimit, c.LookupWindowSec)

	ws := e.Group("/ws")
	{
		ws.GET("/:code/:role", h.Attach, lookupLimit) // GET /ws/123456/receiver
	}
}
