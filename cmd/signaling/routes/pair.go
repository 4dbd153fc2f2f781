package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/signaling/container"
	"github.com/lyzr/sendanywhere/cmd/signaling/handlers"
	"github.com/lyzr/sendanywhere/common/middleware"
	"github.com/lyzr/sendanywhere/common/ratelimit"
)

// RegisterPairRoutes registers the pair code API
func RegisterPairRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewPairHandler(c)

	lookupLimit := middleware.ClientRateLimitMiddleware(c.RateLimiter, ratelimit.ScopePairLookup, c.LookupLimit, c.LookupWindowSec)
	createCfg := ratelimit.GetScopeConfig(ratelimit.ScopePairCreate)
	createLimit := middleware.ClientRateLimitMiddleware(c.RateLimiter, ratelimit.ScopePairCreate, createCfg.Limit, createCfg.WindowSeconds)

	pair := e.Group("/api/v1/pair")
	{
		pair.POST("", h.CreatePair, createLimit)         // POST /api/v1/pair
		pair.GET("/:code", h.GetPair, lookupLimit)       // GET /api/v1/pair/123456
		pair.DELETE("/:code", h.ClosePair, lookupLimit)  // DELETE /api/v1/pair/123456
	}

	e.GET("/api/v1/stats", h.Stats) // GET /api/v1/stats
}
