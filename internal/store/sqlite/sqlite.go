// Package sqlite stores processed records in a local SQLite database. It is
// meant for single-host deployments and local runs that need durability
// without external infrastructure.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS processed_logs (
	tenant_id     TEXT NOT NULL,
	log_id        TEXT NOT NULL,
	source        TEXT NOT NULL,
	original_text TEXT NOT NULL,
	modified_data TEXT NOT NULL,
	processed_at  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, log_id)
)`

const insert = `INSERT OR IGNORE INTO processed_logs
	(tenant_id, log_id, source, original_text, modified_data, processed_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite store: ensure schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutIfAbsent implements store.Store.
func (s *Store) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (store.Result, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, insert,
		rec.TenantID, rec.MessageID, string(rec.Source), rec.OriginalText, rec.ModifiedText,
		rec.ProcessedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, failure.New(failure.KindStoreTransient, fmt.Errorf("sqlite store: rows affected: %w", err))
	}
	if n > 0 {
		return store.Written, nil
	}
	return store.AlreadyExists, nil
}

// Get returns the stored record for key. It is used by tooling and tests.
func (s *Store) Get(ctx context.Context, key models.Key) (models.PersistedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source, original_text, modified_data, processed_at
		FROM processed_logs WHERE tenant_id = ? AND log_id = ?`, key.TenantID, key.MessageID)

	var (
		rec       = models.PersistedRecord{TenantID: key.TenantID, MessageID: key.MessageID}
		source    string
		processed string
	)
	if err := row.Scan(&source, &rec.OriginalText, &rec.ModifiedText, &processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersistedRecord{}, false, nil
		}
		return models.PersistedRecord{}, false, fmt.Errorf("sqlite store: get: %w", err)
	}
	rec.Source = models.Source(source)
	ts, err := time.Parse(time.RFC3339Nano, processed)
	if err != nil {
		return models.PersistedRecord{}, false, fmt.Errorf("sqlite store: parse processed_at: %w", err)
	}
	rec.ProcessedAt = ts
	return rec, true, nil
}

func classify(err error) error {
	wrapped := fmt.Errorf("sqlite store: insert: %w", err)

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return failure.New(failure.KindStoreInvalid, wrapped)
		}
	}
	return failure.New(failure.KindStoreTransient, wrapped)
}
