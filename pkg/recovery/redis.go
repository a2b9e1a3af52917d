package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in Redis, using native key expiry.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

type redisEnvelope struct {
	Value     []byte    `json:"value"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// OpenRedis connects by address or by redis:// URL; the URL wins when both
// are set.
func OpenRedis(ctx context.Context, addr, url string) (*RedisStore, error) {
	var opts *redis.Options
	switch {
	case url != "":
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	case addr != "":
		opts = &redis.Options{Addr: addr}
	default:
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, key)
		}
	}
	data, err := json.Marshal(redisEnvelope{Value: rec.Value, SavedAt: rec.SavedAt, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, false, fmt.Errorf("decode redis record: %w", err)
	}
	rec := Record{Value: env.Value, SavedAt: env.SavedAt, ExpiresAt: env.ExpiresAt}
	if rec.Expired(s.now()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
