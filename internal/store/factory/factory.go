// Package factory selects and connects the store backend named in
// configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ajayykmr/ingest-worker/internal/config"
	"github.com/ajayykmr/ingest-worker/internal/store"
	"github.com/ajayykmr/ingest-worker/internal/store/dynamo"
	"github.com/ajayykmr/ingest-worker/internal/store/postgres"
	"github.com/ajayykmr/ingest-worker/internal/store/redisstore"
	"github.com/ajayykmr/ingest-worker/internal/store/sqlite"
)

// CloseFunc releases the connections held by a store.
type CloseFunc func() error

func noClose() error { return nil }

// New connects the configured backend. The returned CloseFunc is never nil.
func New(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (store.Store, CloseFunc, error) {
	logger = logger.With().Str("component", "store").Str("backend", cfg.Backend).Logger()

	switch cfg.Backend {
	case "", config.StoreMemory:
		logger.Warn().Msg("using in-memory store; records are lost on restart")
		return store.NewMemory(), noClose, nil

	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, noClose, err
		}
		s, err := postgres.New(pool, cfg.PostgresTable)
		if err != nil {
			pool.Close()
			return nil, noClose, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noClose, err
		}
		logger.Info().Str("table", cfg.PostgresTable).Msg("postgres store ready")
		return s, func() error { pool.Close(); return nil }, nil

	case config.StoreRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, noClose, err
		}
		s, err := redisstore.New(client, cfg.RedisKeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, noClose, err
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis store ready")
		return s, client.Close, nil

	case config.StoreDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, noClose, err
		}
		s, err := dynamo.New(client, cfg.DynamoDBTable)
		if err != nil {
			return nil, noClose, err
		}
		logger.Info().Str("table", cfg.DynamoDBTable).Msg("dynamodb store ready")
		return s, noClose, nil

	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noClose, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite store ready")
		return s, s.Close, nil

	default:
		return nil, noClose, fmt.Errorf("store factory: unsupported backend %q", cfg.Backend)
	}
}
