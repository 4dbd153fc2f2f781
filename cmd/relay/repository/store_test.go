package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lyzr/sendanywhere/cmd/relay/models"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clock"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
	rediscommon "github.com/lyzr/sendanywhere/common/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func transfer(t *testing.T, id string, createdAt time.Time) *models.RelayTransfer {
	m, err := manifest.New(manifest.KindSingleFile, "data.bin", 4, []manifest.Entry{
		{Name: "data.bin", RelativePath: "data.bin", Size: 10},
	})
	require.NoError(t, err)
	return &models.RelayTransfer{TransferID: id, Manifest: m, CreatedAt: createdAt}
}

func chunk(data string) *models.Chunk {
	return &models.Chunk{Data: []byte(data), Hash: manifest.Checksum([]byte(data))}
}

// exerciseStore runs the shared contract against any ChunkStore
func exerciseStore(t *testing.T, store ChunkStore) {
	ctx := context.Background()

	ok, err := store.InsertTransfer(ctx, transfer(t, "t1", epoch))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.InsertTransfer(ctx, transfer(t, "t1", epoch))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Manifest.TotalChunks)
	assert.True(t, got.CreatedAt.Equal(epoch))

	_, err = store.GetTransfer(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)

	// Not yet uploaded
	_, err = store.GetChunk(ctx, "t1", 1)
	assert.ErrorIs(t, err, apperr.ErrChunkNotReady)

	require.NoError(t, store.PutChunk(ctx, "t1", 2, chunk("ij")))
	require.NoError(t, store.PutChunk(ctx, "t1", 0, chunk("abcd")))

	c, err := store.GetChunk(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), c.Data)
	assert.Equal(t, manifest.Checksum([]byte("abcd")), c.Hash)

	// Same index: last writer wins
	require.NoError(t, store.PutChunk(ctx, "t1", 0, chunk("ABCD")))
	c, err = store.GetChunk(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), c.Data)

	chunks, err := store.ListChunks(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[2].Size)
	assert.Equal(t, manifest.Checksum([]byte("ABCD")), chunks[0].Hash)

	err = store.PutChunk(ctx, "missing", 0, chunk("abcd"))
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)

	_, err = store.GetChunk(ctx, "missing", 0)
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)

	deleted, err := store.DeleteTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteTransfer(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.GetChunk(ctx, "t1", 0)
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)
}

func exerciseSweep(t *testing.T, store ChunkStore) {
	ctx := context.Background()

	for _, tr := range []*models.RelayTransfer{
		transfer(t, "old", epoch.Add(-2*time.Hour)),
		transfer(t, "new", epoch),
	} {
		ok, err := store.InsertTransfer(ctx, tr)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, store.PutChunk(ctx, "old", 0, chunk("abcd")))

	ids, err := store.DeleteCreatedBefore(ctx, epoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	_, err = store.GetTransfer(ctx, "old")
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)
	_, err = store.GetTransfer(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_Sweep(t *testing.T) {
	exerciseSweep(t, NewMemoryStore())
}

// TestMemoryStore_ConcurrentDistinctIndices tests writes to separate slots
func TestMemoryStore_ConcurrentDistinctIndices(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.InsertTransfer(ctx, transfer(t, "t1", epoch))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, data := range []string{"abcd", "efgh", "ij"} {
		wg.Add(1)
		go func(i int, data string) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				assert.NoError(t, store.PutChunk(ctx, "t1", i, chunk(data)))
			}
		}(i, data)
	}
	wg.Wait()

	chunks, err := store.ListChunks(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.Equal(t, 2, chunks[2].Size)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return NewRedisStore(rediscommon.NewClient(raw, logger.Discard()), clock.NewFake(epoch), 24*time.Hour), mr
}

func TestRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	exerciseStore(t, store)
}

func TestRedisStore_Sweep(t *testing.T) {
	store, mr := newRedisStore(t)
	exerciseSweep(t, store)

	// chunk keys went with the transfer
	assert.False(t, mr.Exists(chunkKey("old", 0)))
	assert.False(t, mr.Exists(chunkSetKey("old")))
}

func TestRedisStore_KeysExpireWithRetention(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.InsertTransfer(ctx, transfer(t, "t1", epoch))
	require.NoError(t, err)
	require.NoError(t, store.PutChunk(ctx, "t1", 1, chunk("efgh")))

	assert.Equal(t, 24*time.Hour, mr.TTL(transferKey("t1")))
	assert.Equal(t, 24*time.Hour, mr.TTL(chunkKey("t1", 1)))

	mr.FastForward(25 * time.Hour)

	_, err = store.GetChunk(ctx, "t1", 1)
	assert.ErrorIs(t, err, apperr.ErrTransferNotFound)
}
