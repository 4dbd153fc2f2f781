package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/relay/container"
	"github.com/lyzr/sendanywhere/cmd/relay/handlers"
)

// RegisterTransferRoutes registers the relay chunk store API
func RegisterTransferRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTransferHandler(c)

	transfers := e.Group("/api/v1/transfers")
	{
		transfers.POST("", h.CreateTransfer)                 // POST /api/v1/transfers
		transfers.GET("/:id/manifest", h.GetManifest)        // GET /api/v1/transfers/{id}/manifest
		transfers.PUT("/:id/chunks/:index", h.PutChunk)      // PUT /api/v1/transfers/{id}/chunks/0
		transfers.GET("/:id/chunks/:index", h.GetChunk)      // GET /api/v1/transfers/{id}/chunks/0
		transfers.GET("/:id/status", h.GetStatus)            // GET /api/v1/transfers/{id}/status
		transfers.DELETE("/:id", h.DeleteTransfer)           // DELETE /api/v1/transfers/{id}
	}

	e.POST("/api/v1/cleanup", h.Cleanup) // POST /api/v1/cleanup
}
