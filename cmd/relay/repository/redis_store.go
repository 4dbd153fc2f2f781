package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/sendanywhere/cmd/relay/models"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	rediscommon "github.com/lyzr/sendanywhere/common/redis"
)

const (
	transferKeyPrefix = "relay:transfer:"
	hashLen           = 64 // hex SHA-256
)

// RedisStore keeps transfers in Redis. Every key expires when the transfer
// leaves its retention window.
//
//	relay:transfer:<id>       JSON RelayTransfer
//	relay:chunks:<id>         hash index -> JSON ChunkMeta
//	relay:chunk:<id>:<index>  hash || bytes
type RedisStore struct {
	redis     *rediscommon.Client
	clock     clock.Clock
	retention time.Duration
}

// NewRedisStore creates a Redis-backed chunk store
func NewRedisStore(redis *rediscommon.Client, clk clock.Clock, retention time.Duration) *RedisStore {
	return &RedisStore{redis: redis, clock: clk, retention: retention}
}

func transferKey(id string) string {
	return transferKeyPrefix + id
}

func chunkSetKey(id string) string {
	return "relay:chunks:" + id
}

func chunkKey(id string, index int) string {
	return fmt.Sprintf("relay:chunk:%s:%d", id, index)
}

// ttl is the time left in the transfer's retention window
func (r *RedisStore) ttl(createdAt time.Time) time.Duration {
	return createdAt.Add(r.retention).Sub(r.clock.Now())
}

// InsertTransfer registers a transfer with SET NX
func (r *RedisStore) InsertTransfer(ctx context.Context, t *models.RelayTransfer) (bool, error) {
	ttl := r.ttl(t.CreatedAt)
	if ttl <= 0 {
		return false, fmt.Errorf("transfer %s already past retention", t.TransferID)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return r.redis.SetNX(ctx, transferKey(t.TransferID), string(data), ttl)
}

// GetTransfer returns the transfer record
func (r *RedisStore) GetTransfer(ctx context.Context, transferID string) (*models.RelayTransfer, error) {
	val, err := r.redis.Get(ctx, transferKey(transferID))
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		return nil, apperr.ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}

	var t models.RelayTransfer
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, fmt.Errorf("failed to decode transfer %s: %w", transferID, err)
	}
	return &t, nil
}

// PutChunk writes the chunk bytes and its metadata in one MULTI/EXEC
func (r *RedisStore) PutChunk(ctx context.Context, transferID string, index int, chunk *models.Chunk) error {
	t, err := r.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	ttl := r.ttl(t.CreatedAt)
	if ttl <= 0 {
		return apperr.ErrTransferNotFound
	}
	if len(chunk.Hash) != hashLen {
		return fmt.Errorf("invalid chunk hash %q", chunk.Hash)
	}

	meta, err := json.Marshal(models.ChunkMeta{Size: len(chunk.Data), Hash: chunk.Hash})
	if err != nil {
		return fmt.Errorf("failed to encode chunk meta: %w", err)
	}

	pipe := r.redis.NewPipeline()
	pipe.SetWithExpiry(ctx, chunkKey(transferID, index), chunk.Hash+string(chunk.Data), ttl)
	pipe.SetHash(ctx, chunkSetKey(transferID), strconv.Itoa(index), string(meta))
	pipe.Expire(ctx, chunkSetKey(transferID), ttl)
	return pipe.Exec(ctx)
}

// GetChunk reads hash and bytes with a single GET so they always match
func (r *RedisStore) GetChunk(ctx context.Context, transferID string, index int) (*models.Chunk, error) {
	val, err := r.redis.Get(ctx, chunkKey(transferID, index))
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		if _, err := r.GetTransfer(ctx, transferID); err != nil {
			return nil, err
		}
		return nil, apperr.ErrChunkNotReady
	}
	if err != nil {
		return nil, err
	}
	if len(val) < hashLen {
		return nil, fmt.Errorf("corrupt chunk %s/%d", transferID, index)
	}

	return &models.Chunk{Hash: val[:hashLen], Data: []byte(val[hashLen:])}, nil
}

// ListChunks returns metadata for every stored chunk
func (r *RedisStore) ListChunks(ctx context.Context, transferID string) (map[int]models.ChunkMeta, error) {
	if _, err := r.GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}

	fields, err := r.redis.GetAllHash(ctx, chunkSetKey(transferID))
	if err != nil {
		return nil, err
	}

	chunks := make(map[int]models.ChunkMeta, len(fields))
	for field, val := range fields {
		index, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var meta models.ChunkMeta
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode chunk meta %s/%d: %w", transferID, index, err)
		}
		chunks[index] = meta
	}
	return chunks, nil
}

// DeleteTransfer drops the transfer record and every chunk key
func (r *RedisStore) DeleteTransfer(ctx context.Context, transferID string) (bool, error) {
	chunkKeys, err := r.redis.ScanKeys(ctx, fmt.Sprintf("relay:chunk:%s:*", transferID))
	if err != nil {
		return false, err
	}

	keys := append([]string{transferKey(transferID), chunkSetKey(transferID)}, chunkKeys...)
	if _, err := r.redis.Delete(ctx, keys[1:]...); err != nil {
		return false, err
	}

	// Counted separately so the result reflects the transfer record only
	n, err := r.redis.Delete(ctx, keys[0])
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteCreatedBefore drops transfers created before cutoff. Key expiry
// normally gets there first; this covers a retention window shortened
// after the keys were written.
func (r *RedisStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys, err := r.redis.ScanKeys(ctx, transferKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, key := range keys {
		id := strings.TrimPrefix(key, transferKeyPrefix)
		t, err := r.GetTransfer(ctx, id)
		if err != nil {
			continue // expired between scan and read
		}
		if !t.CreatedAt.Before(cutoff) {
			continue
		}
		if ok, err := r.DeleteTransfer(ctx, id); err == nil && ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}
