package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/sendanywhere/cmd/relay/models"
	"github.com/lyzr/sendanywhere/common/apperr"
)

// memoryTransfer holds one slot per chunk index. Each slot is an atomic
// pointer, so writes to different indices never contend and same-index
// writes are last-writer-wins.
type memoryTransfer struct {
	meta  models.RelayTransfer
	slots []atomic.Pointer[models.Chunk]
}

// MemoryStore keeps transfers in process memory
type MemoryStore struct {
	mu        sync.RWMutex // guards the map, not the slots
	transfers map[string]*memoryTransfer
}

// NewMemoryStore creates an empty in-memory chunk store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]*memoryTransfer)}
}

func (m *MemoryStore) lookup(transferID string) (*memoryTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, apperr.ErrTransferNotFound
	}
	return t, nil
}

// InsertTransfer registers a transfer unless the id is taken
func (m *MemoryStore) InsertTransfer(ctx context.Context, t *models.RelayTransfer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.TransferID]; ok {
		return false, nil
	}
	m.transfers[t.TransferID] = &memoryTransfer{
		meta:  *t,
		slots: make([]atomic.Pointer[models.Chunk], t.Manifest.TotalChunks),
	}
	return true, nil
}

// GetTransfer returns a copy of the transfer record
func (m *MemoryStore) GetTransfer(ctx context.Context, transferID string) (*models.RelayTransfer, error) {
	t, err := m.lookup(transferID)
	if err != nil {
		return nil, err
	}
	meta := t.meta
	return &meta, nil
}

// PutChunk stores a copy of chunk at index
func (m *MemoryStore) PutChunk(ctx context.Context, transferID string, index int, chunk *models.Chunk) error {
	t, err := m.lookup(transferID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(t.slots) {
		return apperr.ErrChunkIndexOutOfRange
	}

	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	t.slots[index].Store(&models.Chunk{Data: data, Hash: chunk.Hash})
	return nil
}

// GetChunk returns the chunk at index
func (m *MemoryStore) GetChunk(ctx context.Context, transferID string, index int) (*models.Chunk, error) {
	t, err := m.lookup(transferID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(t.slots) {
		return nil, apperr.ErrChunkIndexOutOfRange
	}

	chunk := t.slots[index].Load()
	if chunk == nil {
		return nil, apperr.ErrChunkNotReady
	}
	return chunk, nil
}

// ListChunks returns metadata for every filled slot
func (m *MemoryStore) ListChunks(ctx context.Context, transferID string) (map[int]models.ChunkMeta, error) {
	t, err := m.lookup(transferID)
	if err != nil {
		return nil, err
	}

	chunks := make(map[int]models.ChunkMeta)
	for i := range t.slots {
		if c := t.slots[i].Load(); c != nil {
			chunks[i] = models.ChunkMeta{Size: len(c.Data), Hash: c.Hash}
		}
	}
	return chunks, nil
}

// DeleteTransfer drops a transfer
func (m *MemoryStore) DeleteTransfer(ctx context.Context, transferID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.transfers[transferID]
	delete(m.transfers, transferID)
	return ok, nil
}

// DeleteCreatedBefore drops transfers created before cutoff
func (m *MemoryStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	for id, t := range m.transfers {
		if t.meta.CreatedAt.Before(cutoff) {
			delete(m.transfers, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}
