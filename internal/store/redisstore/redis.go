// Package redisstore keeps processed records in Redis. SETNX makes the
// existence check and the write a single atomic command.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajayykmr/ingest-worker/internal/failure"
	"github.com/ajayykmr/ingest-worker/internal/models"
	"github.com/ajayykmr/ingest-worker/internal/store"
)

// DefaultPrefix namespaces record keys when none is configured.
const DefaultPrefix = "processed_log"

// Client is the subset of redis.Cmdable the store needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Store implements store.Store on Redis.
type Store struct {
	client Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// New returns a Store writing keys under prefix.
func New(client Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis store: client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Connect returns a client for addr after verifying connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return client, nil
}

// Key returns the Redis key a record is stored under. The tenant id is length
// prefixed so that ids containing the separator cannot collide.
func (s *Store) Key(k models.Key) string {
	return s.prefix + ":" + strconv.Itoa(len(k.TenantID)) + ":" + k.TenantID + ":" + k.MessageID
}

// PutIfAbsent implements store.Store. Records never expire.
func (s *Store) PutIfAbsent(ctx context.Context, rec models.PersistedRecord) (store.Result, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return 0, err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return 0, failure.New(failure.KindStoreInvalid, fmt.Errorf("redis store: marshal record: %w", err))
	}

	created, err := s.client.SetNX(ctx, s.Key(rec.Key()), value, 0).Result()
	if err != nil {
		return 0, failure.New(failure.KindStoreTransient, fmt.Errorf("redis store: setnx: %w", err))
	}
	if !created {
		return store.AlreadyExists, nil
	}
	return store.Written, nil
}
