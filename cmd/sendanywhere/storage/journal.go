package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
)

// JournalFileName is the journal's file name under the user cache directory
const JournalFileName = "journal.db"

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal (
  transfer_id  TEXT NOT NULL,
  chunk_index  INTEGER NOT NULL,
  hash         TEXT NOT NULL,
  recorded_at  INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, chunk_index)
);
`

// Journal records verified chunks per transfer in sqlite
type Journal struct {
	db *sql.DB
}

// DefaultJournalPath returns the journal location under the user cache dir
func DefaultJournalPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache directory: %w", err)
	}
	return filepath.Join(dir, "sendanywhere", JournalFileName), nil
}

// OpenJournal opens (or creates) the journal at path
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Completed lists the journaled chunk indices of a transfer in order
func (j *Journal) Completed(ctx context.Context, transferID string) ([]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT chunk_index FROM journal WHERE transfer_id = ? ORDER BY chunk_index`,
		transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal for %s: %w", transferID, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		out = append(out, index)
	}
	return out, rows.Err()
}

// Record journals one verified chunk
func (j *Journal) Record(ctx context.Context, transferID string, index int, hash string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal (transfer_id, chunk_index, hash, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transfer_id, chunk_index) DO UPDATE SET hash = excluded.hash, recorded_at = excluded.recorded_at`,
		transferID, index, hash, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record chunk %d of %s: %w", index, transferID, err)
	}
	return nil
}

// Forget drops every entry of a transfer
func (j *Journal) Forget(ctx context.Context, transferID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("forget %s: %w", transferID, err)
	}
	return nil
}

// Prune removes entries recorded before cutoff and returns how many went
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE recorded_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ engine.Journal = (*Journal)(nil)
