package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/store"
	"github.com/ajayykmr/ingest-worker/internal/store/postgres"
)

type fakeExecer struct {
	seen map[string]bool
	err  error
	sql  []string
	args [][]any
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if len(args) < 2 {
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	key := args[0].(string) + "/" + args[1].(string)
	if f.seen[key] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	f.seen[key] = true
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func record(id string) models.PersistedRecord {
	return models.PersistedRecord{
		TenantID:     "acme",
		MessageID:    id,
		Source:       models.SourceJSONUpload,
		OriginalText: "call 555-0199",
		ModifiedText: "call [REDACTED]",
		ProcessedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPutIfAbsent(t *testing.T) {
	t.Parallel()

	db := &fakeExecer{seen: map[string]bool{}}
	s, err := postgres.New(db, "")
	require.NoError(t, err)

	res, err := s.PutIfAbsent(context.Background(), record("log-1"))
	require.NoError(t, err)
	assert.Equal(t, store.Written, res)

	res, err = s.PutIfAbsent(context.Background(), record("log-1"))
	require.NoError(t, err)
	assert.Equal(t, store.AlreadyExists, res)

	require.Len(t, db.sql, 2)
	assert.Contains(t, db.sql[0], `INSERT INTO "processed_logs"`)
	assert.Contains(t, db.sql[0], "ON CONFLICT (tenant_id, log_id) DO NOTHING")
	assert.Equal(t, "json_upload", db.args[0][2])
}

func TestPutIfAbsentClassifiesErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want failure.Kind
	}{
		{"data exception", &pgconn.PgError{Code: "22001"}, failure.KindStoreInvalid},
		{"not null violation", &pgconn.PgError{Code: "23502"}, failure.KindStoreInvalid},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, failure.KindStoreTransient},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, failure.KindStoreTransient},
		{"serialization", &pgconn.PgError{Code: "40001"}, failure.KindStoreTransient},
		{"network", errors.New("connection reset"), failure.KindStoreTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := postgres.New(&fakeExecer{err: tc.err}, "logs")
			require.NoError(t, err)

			_, err = s.PutIfAbsent(context.Background(), record("log-1"))
			require.Error(t, err)
			assert.Equal(t, tc.want, failure.KindOf(err, failure.KindNone))
		})
	}
}

func TestPutIfAbsentRejectsIncompleteKey(t *testing.T) {
	t.Parallel()

	db := &fakeExecer{seen: map[string]bool{}}
	s, err := postgres.New(db, "")
	require.NoError(t, err)

	_, err = s.PutIfAbsent(context.Background(), models.PersistedRecord{TenantID: "acme"})
	assert.True(t, failure.IsPermanent(err))
	assert.Empty(t, db.sql)
}

func TestEnsureSchemaQuotesTable(t *testing.T) {
	t.Parallel()

	db := &fakeExecer{seen: map[string]bool{}}
	s, err := postgres.New(db, "ingest.logs")
	require.NoError(t, err)

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.Len(t, db.sql, 1)
	assert.True(t, strings.Contains(db.sql[0], `"ingest"."logs"`))
	assert.Contains(t, db.sql[0], "PRIMARY KEY (tenant_id, log_id)")
}
