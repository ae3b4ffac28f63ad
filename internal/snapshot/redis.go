package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one string value per room under room:{code}:snapshot.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps snapshots forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func snapshotKey(roomCode string) string { return "room:" + roomCode + ":snapshot" }

func (s *RedisStore) Load(ctx context.Context, roomCode string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(roomCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from Redis: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, roomCode string, data []byte) error {
	if err := s.rdb.Set(ctx, snapshotKey(roomCode), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot to Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
