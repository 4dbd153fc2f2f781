package repository

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/sendanywhere/common/config"
	"github.com/lyzr/sendanywhere/common/db"
	"github.com/lyzr/sendanywhere/common/logger"
)

// newPostgresStore connects to the database named by the POSTGRES_*
// variables and empties the relay tables. The database must be disposable.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() || os.Getenv("POSTGRES_HOST") == "" {
		t.Skip("POSTGRES_HOST not set")
	}

	ctx := context.Background()
	cfg, err := config.Load("relay")
	require.NoError(t, err)
	database, err := db.New(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, Migrate(ctx, database))
	_, err = database.Exec(ctx, `TRUNCATE relay_transfer CASCADE`)
	require.NoError(t, err)
	return NewPostgresStore(database)
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, newPostgresStore(t))
}

func TestPostgresStore_Sweep(t *testing.T) {
	store := newPostgresStore(t)
	exerciseSweep(t, store)

	// chunks cascade with the swept transfer
	var n int
	err := store.db.QueryRow(context.Background(), `SELECT count(*) FROM relay_chunk WHERE transfer_id = 'old'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresStore_SweepNothingDue(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	ok, err := store.InsertTransfer(ctx, transfer(t, "t1", epoch))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := store.DeleteCreatedBefore(ctx, epoch)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.GetTransfer(ctx, "t1")
	assert.NoError(t, err)
}
