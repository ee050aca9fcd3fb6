package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// MirrorName namespaces this mirror's keys inside the Redis instance so
	// several mirrors can share one server.
	MirrorName string
}

// RedisStore is a Store implementation backed by Redis, letting multiple
// processes share a single mirror. Items are serialized as JSON fields of one
// hash per mirror. It implements Store only, not Indexer: secondary indices
// remain an in-memory concern.
type RedisStore[T any] struct {
	client  *redis.Client
	keyFunc KeyFunc[T]
	hashKey string
	rvKey   string
	logger  zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisStore[T any](
	ctx context.Context,
	cfg *RedisConfig,
	keyFunc KeyFunc[T],
	logger zerolog.Logger,
) (*RedisStore[T], error) {
	if cfg.MirrorName == "" {
		return nil, fmt.Errorf("mirror name is required")
	}
	if keyFunc == nil {
		return nil, fmt.Errorf("keyFunc cannot be nil")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("mirror", cfg.MirrorName).Msg("Successfully connected to Redis.")

	return &RedisStore[T]{
		client:  rdb,
		keyFunc: keyFunc,
		hashKey: "mirror:" + cfg.MirrorName,
		rvKey:   "mirror:" + cfg.MirrorName + ":rv",
		logger:  logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Add upserts obj. It shares Update's semantics.
func (s *RedisStore[T]) Add(ctx context.Context, obj T) error {
	return s.Update(ctx, obj)
}

// Update upserts obj under its computed key.
func (s *RedisStore[T]) Update(ctx context.Context, obj T) error {
	key, payload, err := s.encode(obj)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.hashKey, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to write item %q to redis: %w", key, err)
	}
	return nil
}

// Delete removes obj's key from the mirror. Deleting an absent item is a
// no-op.
func (s *RedisStore[T]) Delete(ctx context.Context, obj T) error {
	key, err := s.objectKey(obj)
	if err != nil {
		return err
	}
	if err := s.client.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return fmt.Errorf("failed to delete item %q from redis: %w", key, err)
	}
	return nil
}

// List returns all mirrored items.
func (s *RedisStore[T]) List(ctx context.Context) ([]T, error) {
	fields, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list items from redis: %w", err)
	}
	items := make([]T, 0, len(fields))
	for key, payload := range fields {
		var item T
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("failed to decode item %q: %w", key, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ListKeys returns all mirrored keys.
func (s *RedisStore[T]) ListKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from redis: %w", err)
	}
	return keys, nil
}

// Get returns the current item stored under obj's key, if any.
func (s *RedisStore[T]) Get(ctx context.Context, obj T) (T, bool, error) {
	key, err := s.objectKey(obj)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return s.GetByKey(ctx, key)
}

// GetByKey returns the current item for key. A missing key is not an error.
func (s *RedisStore[T]) GetByKey(ctx context.Context, key string) (T, bool, error) {
	var zero T
	payload, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to read item %q from redis: %w", key, err)
	}
	var item T
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return zero, false, fmt.Errorf("failed to decode item %q: %w", key, err)
	}
	return item, true, nil
}

// Replace atomically swaps the mirror's content for items using a pipelined
// DEL+HSET transaction.
func (s *RedisStore[T]) Replace(ctx context.Context, items []T, resourceVersion string) error {
	fields := make(map[string]string, len(items))
	for _, obj := range items {
		key, payload, err := s.encode(obj)
		if err != nil {
			return err
		}
		fields[key] = payload
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.hashKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, s.hashKey, fields)
	}
	pipe.Set(ctx, s.rvKey, resourceVersion, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace mirror content in redis: %w", err)
	}
	s.logger.Debug().Int("item_count", len(items)).Str("resource_version", resourceVersion).Msg("Mirror content replaced.")
	return nil
}

// Resync is a no-op hook, as for the in-memory Cache.
func (s *RedisStore[T]) Resync(context.Context) error {
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore[T]) Close() error {
	return s.client.Close()
}

func (s *RedisStore[T]) objectKey(obj T) (string, error) {
	key, err := s.keyFunc(obj)
	if err != nil {
		return "", invalidObject(err)
	}
	return key, nil
}

func (s *RedisStore[T]) encode(obj T) (key, payload string, err error) {
	key, err = s.objectKey(obj)
	if err != nil {
		return "", "", err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", "", invalidObject(fmt.Errorf("marshal item %q: %w", key, err))
	}
	return key, string(raw), nil
}

// interface guards
var (
	_ Store[struct{}]   = (*RedisStore[struct{}])(nil)
	_ Indexer[struct{}] = (*Cache[struct{}])(nil)
)
