package repository

import (
	"context"
	"time"

	"github.com/lyzr/sendanywhere/cmd/relay/models"
)

// ChunkStore persists relay transfers and their chunks. Index bounds are
// checked by the caller; stores only key by index.
type ChunkStore interface {
	// InsertTransfer registers a transfer. It returns false if the id is taken.
	InsertTransfer(ctx context.Context, t *models.RelayTransfer) (bool, error)

	// GetTransfer returns apperr.ErrTransferNotFound when absent
	GetTransfer(ctx context.Context, transferID string) (*models.RelayTransfer, error)

	// PutChunk stores a chunk, replacing any previous bytes at index.
	// Returns apperr.ErrTransferNotFound when the transfer is gone.
	PutChunk(ctx context.Context, transferID string, index int, chunk *models.Chunk) error

	// GetChunk returns apperr.ErrChunkNotReady when the index has no bytes yet
	GetChunk(ctx context.Context, transferID string, index int) (*models.Chunk, error)

	// ListChunks returns the metadata of every stored chunk
	ListChunks(ctx context.Context, transferID string) (map[int]models.ChunkMeta, error)

	// DeleteTransfer drops a transfer and its chunks. It returns false if absent.
	DeleteTransfer(ctx context.Context, transferID string) (bool, error)

	// DeleteCreatedBefore drops every transfer created before cutoff and
	// returns their ids
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}
