package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/sendanywhere/cmd/relay/container"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/models"
)

// TransferHandler handles relay transfer and chunk requests
type TransferHandler struct {
	c *container.Container
}

// NewTransferHandler creates a new transfer handler
func NewTransferHandler(c *container.Container) *TransferHandler {
	return &TransferHandler{c: c}
}

func chunkIndex(c echo.Context) (int, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return 0, apperr.New(apperr.CodeChunkIndexOutOfRange, "invalid chunk index %q", c.Param("index"))
	}
	return index, nil
}

// CreateTransfer registers a transfer and its manifest
// POST /api/v1/transfers
func (h *TransferHandler) CreateTransfer(c echo.Context) error {
	var req models.CreateTransferRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, h.c.Components.Logger, apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request body"))
	}

	if err := h.c.RelayService.CreateTransfer(c.Request().Context(), req.TransferID, req.Manifest); err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"transfer_id":  req.TransferID,
		"total_chunks": req.Manifest.TotalChunks,
	})
}

// GetManifest returns a transfer's manifest
// GET /api/v1/transfers/:id/manifest
func (h *TransferHandler) GetManifest(c echo.Context) error {
	m, err := h.c.RelayService.Manifest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}
	return c.JSON(http.StatusOK, m)
}

// PutChunk uploads one chunk as the raw request body
// PUT /api/v1/transfers/:id/chunks/:index
func (h *TransferHandler) PutChunk(c echo.Context) error {
	log := h.c.Components.Logger

	index, err := chunkIndex(c)
	if err != nil {
		return respondError(c, log, err)
	}

	// Read one byte past the cap so oversized bodies are detected
	body := io.LimitReader(c.Request().Body, h.c.MaxChunkBytes+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return respondError(c, log, apperr.Wrap(apperr.CodeUnavailable, err, "failed to read chunk body"))
	}
	if int64(len(data)) > h.c.MaxChunkBytes {
		return respondError(c, log, apperr.New(apperr.CodeInvalidArgument, "chunk exceeds %d bytes", h.c.MaxChunkBytes))
	}

	receipt, err := h.c.RelayService.PutChunk(
		c.Request().Context(),
		c.Param("id"),
		index,
		data,
		c.Request().Header.Get(clients.HeaderContentSHA256),
	)
	if err != nil {
		return respondError(c, log, err)
	}

	return c.JSON(http.StatusOK, receipt)
}

// GetChunk downloads one chunk as the raw response body
// GET /api/v1/transfers/:id/chunks/:index
func (h *TransferHandler) GetChunk(c echo.Context) error {
	index, err := chunkIndex(c)
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	data, hash, err := h.c.RelayService.GetChunk(c.Request().Context(), c.Param("id"), index)
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	c.Response().Header().Set(clients.HeaderContentSHA256, hash)
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, data)
}

// GetStatus reports upload progress
// GET /api/v1/transfers/:id/status
func (h *TransferHandler) GetStatus(c echo.Context) error {
	status, err := h.c.RelayService.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}
	return c.JSON(http.StatusOK, status)
}

// DeleteTransfer releases a transfer's storage
// DELETE /api/v1/transfers/:id
func (h *TransferHandler) DeleteTransfer(c echo.Context) error {
	id := c.Param("id")
	if err := h.c.RelayService.DeleteTransfer(c.Request().Context(), id); err != nil {
		return respondError(c, h.c.Components.Logger, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transfer_id": id,
		"status":      "deleted",
	})
}

// Cleanup runs the retention sweep now
// POST /api/v1/cleanup
func (h *TransferHandler) Cleanup(c echo.Context) error {
	deleted, err := h.c.RelayService.Sweep(c.Request().Context())
	if err != nil {
		return respondError(c, h.c.Components.Logger, apperr.Wrap(apperr.CodeUnavailable, err, "cleanup failed"))
	}
	return c.JSON(http.StatusOK, models.CleanupResult{Deleted: deleted})
}
