// Package postgres stores processed records in PostgreSQL, relying on the
// primary key and ON CONFLICT DO NOTHING for write-if-absent semantics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/store"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "processed_logs"

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db     Execer
	table  string
	insert string
}

var _ store.Store = (*Store)(nil)

// New returns a Store writing to table through db.
func New(db Execer, table string) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: connection is required")
	}
	if table == "" {
		table = DefaultTable
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	insert := `INSERT INTO ` + ident + ` (tenant_id, log_id, source, original_text, modified_data, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, log_id) DO NOTHING`

	return &Store{
		db:     db,
		table:  ident,
		insert: insert,
	}, nil
}

// Connect opens a pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		tenant_id     TEXT        NOT NULL,
		log_id        TEXT        NOT NULL,
		source        TEXT        NOT NULL,
		original_text TEXT        NOT NULL,
		modified_data TEXT        NOT NULL,
		processed_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, log_id)
	)`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: ensure schema: %w", err)
	}
	return nil
}

// PutIfAbsent implements store.Store.
func (s *Store) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (store.Result, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}

	tag, err := s.db.Exec(ctx, s.insert,
		rec.TenantID, rec.MessageID, string(rec.Source), rec.OriginalText, rec.ModifiedText, rec.ProcessedAt)
	if err != nil {
		return 0, classify(err)
	}

	if tag.RowsAffected() > 0 {
		return store.Written, nil
	}
	return store.AlreadyExists, nil
}

// classify maps SQLSTATE classes onto failure kinds. Data exceptions and
// integrity violations describe the request itself and cannot succeed on
// retry. Class 42 (undefined table, insufficient privilege) is a deployment
// fault and is retried like any other store error.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return failure.New(failure.KindStoreInvalid, fmt.Errorf("postgres store: insert: %w", err))
		}
	}
	return failure.New(failure.KindStoreTransient, fmt.Errorf("postgres store: insert: %w", err))
}
