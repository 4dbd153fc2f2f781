package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyzr/sendanywhere/cmd/relay/models"
	"github.com/lyzr/sendanywhere/cmd/relay/repository"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	commonmodels "github.com/lyzr/sendanywhere/common/models"
)

// RelayService stores chunks for receivers that cannot reach the sender
// directly. Transfers are independent; a transfer older than the retention
// window is gone whether or not the sweeper has run.
type RelayService struct {
	store     repository.ChunkStore
	clock     clock.Clock
	retention time.Duration
	log       *logger.Logger
	metrics   *Metrics

	// Chunk index tables, built once per registration
	indexes sync.Map // transfer id -> *cachedIndex
}

type cachedIndex struct {
	createdAt time.Time
	manifest  *manifest.Manifest
	index     *manifest.Index
}

// matches reports whether the entry was built for registration t
func (c *cachedIndex) matches(t *models.RelayTransfer) bool {
	return c.createdAt.Equal(t.CreatedAt) && c.manifest.Equal(t.Manifest)
}

// NewRelayService creates a new relay service
func NewRelayService(store repository.ChunkStore, clk clock.Clock, retention time.Duration, log *logger.Logger, metrics *Metrics) *RelayService {
	return &RelayService{
		store:     store,
		clock:     clk,
		retention: retention,
		log:       log,
		metrics:   metrics,
	}
}

func (s *RelayService) expired(t *models.RelayTransfer) bool {
	return !s.clock.Now().Before(t.CreatedAt.Add(s.retention))
}

// load returns a live transfer, deleting it if it is past retention
func (s *RelayService) load(ctx context.Context, transferID string) (*models.RelayTransfer, error) {
	t, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeTransferNotFound {
			// The store may expire records on its own
			s.indexes.Delete(transferID)
		}
		return nil, err
	}
	if s.expired(t) {
		s.drop(ctx, transferID, "expired")
		return nil, apperr.ErrTransferNotFound
	}
	return t, nil
}

func (s *RelayService) drop(ctx context.Context, transferID, reason string) bool {
	s.indexes.Delete(transferID)
	deleted, err := s.store.DeleteTransfer(ctx, transferID)
	if err != nil {
		s.log.Warn("failed to delete transfer", "transfer_id", transferID, "error", err)
		return false
	}
	if deleted {
		s.metrics.TransfersDeleted.WithLabelValues(reason).Inc()
	}
	return deleted
}

// index returns the chunk table for t, rebuilding it when the id was
// registered again since the table was cached
func (s *RelayService) index(t *models.RelayTransfer) *manifest.Index {
	if v, ok := s.indexes.Load(t.TransferID); ok {
		if c := v.(*cachedIndex); c.matches(t) {
			return c.index
		}
	}
	c := &cachedIndex{createdAt: t.CreatedAt, manifest: t.Manifest, index: manifest.NewIndex(t.Manifest)}
	s.indexes.Store(t.TransferID, c)
	return c.index
}

// CreateTransfer registers a transfer. Registering the same manifest again is
// a no-op; a different manifest under the same id is rejected.
func (s *RelayService) CreateTransfer(ctx context.Context, transferID string, m *manifest.Manifest) error {
	if transferID == "" {
		return apperr.New(apperr.CodeInvalidArgument, "transfer_id is required")
	}
	if m == nil {
		return apperr.New(apperr.CodeInvalidArgument, "manifest is required")
	}
	if err := m.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid manifest")
	}

	log := s.log.WithTransferID(transferID)

	// Two rounds: the second runs only after an expired record was cleared
	for round := 0; round < 2; round++ {
		inserted, err := s.store.InsertTransfer(ctx, &models.RelayTransfer{
			TransferID: transferID,
			Manifest:   m,
			CreatedAt:  s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to create transfer: %w", err)
		}
		if inserted {
			s.indexes.Delete(transferID)
			s.metrics.TransfersCreated.Inc()
			log.Info("transfer created",
				"total_chunks", m.TotalChunks,
				"total_size", m.TotalSize,
				"entries", m.EntryCount,
			)
			return nil
		}

		existing, err := s.store.GetTransfer(ctx, transferID)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeTransferNotFound {
				continue // deleted in between
			}
			return err
		}
		if s.expired(existing) {
			s.drop(ctx, transferID, "expired")
			continue
		}
		if !existing.Manifest.Equal(m) {
			return apperr.ErrTransferAlreadyExists
		}
		log.Debug("transfer already registered")
		return nil
	}

	return apperr.New(apperr.CodeUnavailable, "transfer %s changed concurrently", transferID)
}

// Manifest returns the manifest a transfer was registered with
func (s *RelayService) Manifest(ctx context.Context, transferID string) (*manifest.Manifest, error) {
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return t.Manifest, nil
}

// PutChunk stores one chunk. The relay hashes the bytes itself; a hash sent
// by the uploader, or recorded in the manifest, must match.
func (s *RelayService) PutChunk(ctx context.Context, transferID string, index int, data []byte, expectedHash string) (*commonmodels.ChunkReceipt, error) {
	receipt, err := s.putChunk(ctx, transferID, index, data, expectedHash)
	if err != nil {
		if code := apperr.CodeOf(err); code != "" {
			s.metrics.ChunkRejections.WithLabelValues(string(code)).Inc()
		}
		return nil, err
	}
	return receipt, nil
}

func (s *RelayService) putChunk(ctx context.Context, transferID string, index int, data []byte, expectedHash string) (*commonmodels.ChunkReceipt, error) {
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}

	// 1. Bounds and size from the manifest
	ix := s.index(t)
	if index < 0 || index >= ix.Total() {
		return nil, apperr.New(apperr.CodeChunkIndexOutOfRange, "chunk %d out of range [0, %d)", index, ix.Total())
	}
	_, _, length, err := ix.Span(index)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChunkIndexOutOfRange, err, "chunk %d", index)
	}
	if int64(len(data)) != length {
		return nil, apperr.New(apperr.CodeIntegrityMismatch, "chunk %d is %d bytes, manifest expects %d", index, len(data), length)
	}

	// 2. Content hash
	hash := manifest.Checksum(data)
	if expectedHash != "" && !strings.EqualFold(expectedHash, hash) {
		return nil, apperr.New(apperr.CodeIntegrityMismatch, "chunk %d hash %s does not match uploaded %s", index, hash, expectedHash)
	}
	if want := t.Manifest.ChunkHash(ix, index); want != "" && !strings.EqualFold(want, hash) {
		return nil, apperr.New(apperr.CodeIntegrityMismatch, "chunk %d hash %s does not match manifest %s", index, hash, want)
	}

	// 3. Store (last writer wins per index)
	if err := s.store.PutChunk(ctx, transferID, index, &models.Chunk{Data: data, Hash: hash}); err != nil {
		return nil, err
	}

	s.metrics.ChunksStored.Inc()
	s.metrics.BytesStored.Add(float64(len(data)))
	s.log.Debug("chunk stored", "transfer_id", transferID, "index", index, "size", len(data))

	return &commonmodels.ChunkReceipt{
		TransferID: transferID,
		Index:      index,
		Size:       len(data),
		Hash:       hash,
	}, nil
}

// GetChunk returns a chunk's bytes and the hash computed at upload
func (s *RelayService) GetChunk(ctx context.Context, transferID string, index int) ([]byte, string, error) {
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, "", err
	}
	if total := t.Manifest.TotalChunks; index < 0 || index >= total {
		return nil, "", apperr.New(apperr.CodeChunkIndexOutOfRange, "chunk %d out of range [0, %d)", index, total)
	}

	chunk, err := s.store.GetChunk(ctx, transferID, index)
	if err != nil {
		return nil, "", err
	}

	s.metrics.ChunksServed.Inc()
	s.metrics.BytesServed.Add(float64(len(chunk.Data)))
	return chunk.Data, chunk.Hash, nil
}

// Status reports upload progress
func (s *RelayService) Status(ctx context.Context, transferID string) (*commonmodels.TransferStatus, error) {
	t, err := s.load(ctx, transferID)
	if err != nil {
		return nil, err
	}

	chunks, err := s.store.ListChunks(ctx, transferID)
	if err != nil {
		return nil, err
	}

	available := make([]int, 0, len(chunks))
	for index := range chunks {
		available = append(available, index)
	}
	sort.Ints(available)

	total := t.Manifest.TotalChunks
	progress := 100.0
	if total > 0 {
		progress = float64(len(available)) / float64(total) * 100
	}

	return &commonmodels.TransferStatus{
		TransferID:      transferID,
		UploadedChunks:  len(available),
		TotalChunks:     total,
		Complete:        len(available) == total,
		Progress:        progress,
		AvailableChunks: available,
	}, nil
}

// DeleteTransfer removes a transfer and its chunks
func (s *RelayService) DeleteTransfer(ctx context.Context, transferID string) error {
	if !s.drop(ctx, transferID, "deleted") {
		if _, err := s.store.GetTransfer(ctx, transferID); err != nil {
			return err
		}
		return apperr.New(apperr.CodeUnavailable, "failed to delete transfer %s", transferID)
	}
	s.log.WithTransferID(transferID).Info("transfer deleted")
	return nil
}

// Sweep deletes transfers past retention and returns how many were removed
func (s *RelayService) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteCreatedBefore(ctx, s.clock.Now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep transfers: %w", err)
	}
	for _, id := range ids {
		s.indexes.Delete(id)
	}
	// Stores with their own expiry never report those ids
	s.indexes.Range(func(key, value any) bool {
		if c := value.(*cachedIndex); !s.clock.Now().Before(c.createdAt.Add(s.retention)) {
			s.indexes.Delete(key)
		}
		return true
	})
	s.metrics.TransfersDeleted.WithLabelValues("expired").Add(float64(len(ids)))
	return len(ids), nil
}
