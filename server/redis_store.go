package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps sessions as JSON documents in Redis with a TTL
// matching the session expiry.
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisSessionStore wraps client. Keys are keyPrefix + session id.
func NewRedisSessionStore(client redis.UniversalClient, keyPrefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Ping checks connectivity.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis session store ping: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) key(id string) string {
	return s.keyPrefix + id
}

// Get loads the session. Returns (nil, nil) if the key doesn't exist.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*SessionState, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session load: %w", err)
	}
	var sess SessionState
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("redis session unmarshal: %w", err)
	}
	return &sess, nil
}

// Save writes the session with a TTL derived from ExpiresAt.
func (s *RedisSessionStore) Save(ctx context.Context, sess *SessionState) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("redis session marshal: %w", err)
	}
	var ttl time.Duration
	if !sess.ExpiresAt.IsZero() {
		ttl = sess.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, sess.ID)
		}
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis session save: %w", err)
	}
	return nil
}

// Delete removes the key.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis session delete: %w", err)
	}
	return nil
}
