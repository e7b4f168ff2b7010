// Package sqlite persists the token store snapshot in a single-row SQLite table.
//
// It uses the pure Go modernc.org/sqlite driver, so no cgo toolchain is needed.
// Like the file persister it stores the whole snapshot on every save; SQLite only
// contributes transactional writes and a single-file database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/suleymangunel/mcp-oauth-google/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS oauth_snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Persister stores the snapshot in a SQLite database.
type Persister struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Persister = (*Persister)(nil)

// New opens (or creates) the database described by dsn, e.g. "oauth.db" or
// "file:memdb?mode=memory&cache=shared".
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Persister, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite data source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer at a time; the snapshot is a single row
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Persister{db: db, logger: logger, now: time.Now}, nil
}

// Load returns the stored snapshot, or nil if none has been saved.
func (p *Persister) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM oauth_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Save replaces the stored snapshot.
func (p *Persister) Save(ctx context.Context, data []byte) (retErr error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oauth_snapshot (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, p.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	p.logger.Debug("Saved token store snapshot", "backend", "sqlite", "bytes", len(data))
	return nil
}

// Close closes the database.
func (p *Persister) Close() error {
	return p.db.Close()
}
