package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lyzr/sendanywhere/cmd/relay/models"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/db"
)

//go:embed schema.sql
var schema string

// Migrate applies the relay schema
func Migrate(ctx context.Context, database *db.DB) error {
	return database.Migrate(ctx, "relay_schema", schema)
}

// PostgresStore keeps transfers in Postgres
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed chunk store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// InsertTransfer registers a transfer unless the id is taken
func (r *PostgresStore) InsertTransfer(ctx context.Context, t *models.RelayTransfer) (bool, error) {
	query := `
		INSERT INTO relay_transfer (transfer_id, manifest, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (transfer_id) DO NOTHING
	`

	manifestJSON, err := json.Marshal(t.Manifest)
	if err != nil {
		return false, fmt.Errorf("failed to encode manifest: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, t.TransferID, manifestJSON, t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert transfer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTransfer retrieves a transfer by id
func (r *PostgresStore) GetTransfer(ctx context.Context, transferID string) (*models.RelayTransfer, error) {
	query := `
		SELECT transfer_id, manifest, created_at
		FROM relay_transfer
		WHERE transfer_id = $1
	`

	var (
		t            models.RelayTransfer
		manifestJSON []byte
	)
	err := r.db.QueryRow(ctx, query, transferID).Scan(&t.TransferID, &manifestJSON, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	if err := json.Unmarshal(manifestJSON, &t.Manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of %s: %w", transferID, err)
	}
	return &t, nil
}

// PutChunk upserts a chunk. The insert selects from relay_transfer so a
// missing transfer affects no rows.
func (r *PostgresStore) PutChunk(ctx context.Context, transferID string, index int, chunk *models.Chunk) error {
	query := `
		INSERT INTO relay_chunk (transfer_id, chunk_index, size, hash, data)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM relay_transfer WHERE transfer_id = $1)
		ON CONFLICT (transfer_id, chunk_index)
		DO UPDATE SET size = EXCLUDED.size, hash = EXCLUDED.hash, data = EXCLUDED.data, updated_at = now()
	`

	tag, err := r.db.Exec(ctx, query, transferID, index, len(chunk.Data), chunk.Hash, chunk.Data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // deleted mid-write
			return apperr.ErrTransferNotFound
		}
		return fmt.Errorf("failed to put chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrTransferNotFound
	}
	return nil
}

// GetChunk retrieves a chunk's bytes and hash
func (r *PostgresStore) GetChunk(ctx context.Context, transferID string, index int) (*models.Chunk, error) {
	query := `
		SELECT t.transfer_id, c.hash, c.data
		FROM relay_transfer t
		LEFT JOIN relay_chunk c ON c.transfer_id = t.transfer_id AND c.chunk_index = $2
		WHERE t.transfer_id = $1
	`

	var (
		id   string
		hash *string
		data []byte
	)
	err := r.db.QueryRow(ctx, query, transferID, index).Scan(&id, &hash, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	if hash == nil {
		return nil, apperr.ErrChunkNotReady
	}
	return &models.Chunk{Data: data, Hash: *hash}, nil
}

// ListChunks returns metadata for every stored chunk
func (r *PostgresStore) ListChunks(ctx context.Context, transferID string) (map[int]models.ChunkMeta, error) {
	if _, err := r.GetTransfer(ctx, transferID); err != nil {
		return nil, err
	}

	query := `
		SELECT chunk_index, size, hash
		FROM relay_chunk
		WHERE transfer_id = $1
	`

	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make(map[int]models.ChunkMeta)
	for rows.Next() {
		var (
			index int
			meta  models.ChunkMeta
		)
		if err := rows.Scan(&index, &meta.Size, &meta.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks[index] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// DeleteTransfer drops a transfer; chunks cascade
func (r *PostgresStore) DeleteTransfer(ctx context.Context, transferID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM relay_transfer WHERE transfer_id = $1`, transferID)
	if err != nil {
		return false, fmt.Errorf("failed to delete transfer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteCreatedBefore drops transfers created before cutoff
func (r *PostgresStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `DELETE FROM relay_transfer WHERE created_at < $1 RETURNING transfer_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep transfers: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to sweep transfers: %w", err)
	}
	return ids, nil
}
