package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/logger"
	"github.com/lyzr/sendanywhere/common/manifest"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(manifest.KindCollection, "payload", 4, []manifest.Entry{
		{Name: "a.txt", RelativePath: "payload/a.txt", Size: 10},
		{Name: "empty", RelativePath: "payload/sub/empty", Size: 0},
		{Name: "b.txt", RelativePath: "payload/sub/b.txt", Size: 3},
	})
	require.NoError(t, err)
	return m
}

func TestDirSink_WritesAndCommits(t *testing.T) {
	root := t.TempDir()
	sink := NewDirSink(root, logger.Discard())
	m := testManifest(t)

	resumed, err := sink.Prepare("t-1", m)
	require.NoError(t, err)
	assert.False(t, resumed)

	// Out of order writes
	require.NoError(t, sink.WriteChunk(0, 8, []byte("ij")))
	require.NoError(t, sink.WriteChunk(0, 0, []byte("abcd")))
	require.NoError(t, sink.WriteChunk(2, 0, []byte("xyz")))
	require.NoError(t, sink.WriteChunk(0, 4, []byte("efgh")))
	require.NoError(t, sink.FinishEntry(0))
	require.NoError(t, sink.FinishEntry(2))

	// Nothing is visible before commit
	_, err = os.Stat(filepath.Join(root, "payload"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, sink.Commit())

	data, err := os.ReadFile(filepath.Join(root, "payload", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(data))

	data, err = os.ReadFile(filepath.Join(root, "payload", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(data))

	info, err := os.Stat(filepath.Join(root, "payload", "sub", "empty"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	_, err = os.Stat(filepath.Join(root, stagingPrefix+"t-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDirSink_ResumesSameManifest(t *testing.T) {
	root := t.TempDir()
	m := testManifest(t)

	first := NewDirSink(root, logger.Discard())
	_, err := first.Prepare("t-1", m)
	require.NoError(t, err)
	require.NoError(t, first.WriteChunk(0, 0, []byte("abcd")))
	require.NoError(t, first.Close())

	second := NewDirSink(root, logger.Discard())
	resumed, err := second.Prepare("t-1", m)
	require.NoError(t, err)
	assert.True(t, resumed)

	require.NoError(t, second.WriteChunk(0, 4, []byte("efghij")))
	require.NoError(t, second.WriteChunk(2, 0, []byte("xyz")))
	require.NoError(t, second.Commit())

	data, err := os.ReadFile(filepath.Join(root, "payload", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(data))
}

func TestDirSink_DifferentManifestStartsOver(t *testing.T) {
	root := t.TempDir()
	m := testManifest(t)

	first := NewDirSink(root, logger.Discard())
	_, err := first.Prepare("t-1", m)
	require.NoError(t, err)
	require.NoError(t, first.WriteChunk(0, 0, []byte("abcd")))
	require.NoError(t, first.Close())

	other, err := manifest.New(manifest.KindSingleFile, "c.bin", 4, []manifest.Entry{
		{Name: "c.bin", RelativePath: "c.bin", Size: 5},
	})
	require.NoError(t, err)

	second := NewDirSink(root, logger.Discard())
	resumed, err := second.Prepare("t-1", other)
	require.NoError(t, err)
	assert.False(t, resumed)

	_, err = os.Stat(filepath.Join(root, stagingPrefix+"t-1", "entry-2"))
	assert.True(t, os.IsNotExist(err))
}

func TestDirSink_Abort(t *testing.T) {
	root := t.TempDir()
	sink := NewDirSink(root, logger.Discard())
	_, err := sink.Prepare("t-1", testManifest(t))
	require.NoError(t, err)
	require.NoError(t, sink.WriteChunk(0, 0, []byte("abcd")))

	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirSink_RejectsUnsafePaths(t *testing.T) {
	sink := NewDirSink(t.TempDir(), logger.Discard())

	m, err := manifest.New(manifest.KindCollection, "evil", 4, []manifest.Entry{
		{Name: "passwd", RelativePath: "../../etc/passwd", Size: 1},
	})
	require.NoError(t, err)
	_, err = sink.Prepare("t-1", m)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = sink.Prepare("../t-1", testManifest(t))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDirSink_RejectsWritesPastEntry(t *testing.T) {
	sink := NewDirSink(t.TempDir(), logger.Discard())
	_, err := sink.Prepare("t-1", testManifest(t))
	require.NoError(t, err)

	assert.ErrorIs(t, sink.WriteChunk(2, 2, []byte("xy")), apperr.ErrChunkIndexOutOfRange)
	assert.ErrorIs(t, sink.WriteChunk(7, 0, []byte("x")), apperr.ErrChunkIndexOutOfRange)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", JournalFileName)

	j, err := OpenJournal(path)
	require.NoError(t, err)

	require.NoError(t, j.Record(ctx, "t-1", 3, "h3"))
	require.NoError(t, j.Record(ctx, "t-1", 0, "h0"))
	require.NoError(t, j.Record(ctx, "t-1", 3, "h3-again"))
	require.NoError(t, j.Record(ctx, "t-2", 1, "h1"))

	got, err := j.Completed(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, got)
	require.NoError(t, j.Close())

	// Survives a reopen
	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	got, err = j.Completed(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, got)

	require.NoError(t, j.Forget(ctx, "t-1"))
	got, err = j.Completed(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = j.Completed(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)
}

func TestJournal_Prune(t *testing.T) {
	ctx := context.Background()
	j, err := OpenJournal(filepath.Join(t.TempDir(), JournalFileName))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(ctx, "t-1", 0, "h0"))
	require.NoError(t, j.Record(ctx, "t-1", 1, "h1"))

	n, err := j.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = j.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
