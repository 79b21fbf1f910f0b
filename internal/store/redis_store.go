package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore extends duplicate absorption across bridge restarts within the
// grace window. Selected when a redis address is configured.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (r *RedisStore) SaveReply(ctx context.Context, commandID string, frame []byte, ttl time.Duration) error {
	return r.client.Set(ctx, "reply:"+commandID, frame, ttl).Err()
}

func (r *RedisStore) GetReply(ctx context.Context, commandID string) ([]byte, error) {
	result, err := r.client.Get(ctx, "reply:"+commandID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return result, err
}

func (r *RedisStore) AddLost(ctx context.Context, n int64) error {
	return r.client.IncrBy(ctx, "lost", n).Err()
}

func (r *RedisStore) Lost(ctx context.Context) (int64, error) {
	result, err := r.client.Get(ctx, "lost").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return result, err
}
