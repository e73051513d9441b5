package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares nonces and sessions between gateway replicas.
// Keys expire with the record's ExpiresAt.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects using cfg.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := NewRedisStore(client, cfg.Prefix)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func (s *RedisStore) nonceKey(id string) string   { return s.prefix + "nonce:" + id }
func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }

// SaveNonce stores n until it expires.
func (s *RedisStore) SaveNonce(ctx context.Context, n AuthNonce) error {
	if n.ID == "" {
		return errors.New("nonce ID cannot be empty")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal nonce: %w", err)
	}
	ok, err := s.client.SetArgs(ctx, s.nonceKey(n.ID), data, redis.SetArgs{Mode: "NX", ExpireAt: n.ExpiresAt}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set nonce: %w", err)
	}
	if ok != "OK" {
		return errors.New("nonce already exists")
	}
	return nil
}

// ConsumeNonce atomically reads and deletes the nonce.
func (s *RedisStore) ConsumeNonce(ctx context.Context, id string) (AuthNonce, error) {
	if id == "" {
		return AuthNonce{}, ErrNotFound
	}
	data, err := s.client.GetDel(ctx, s.nonceKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AuthNonce{}, ErrNotFound
		}
		return AuthNonce{}, fmt.Errorf("redis getdel: %w", err)
	}
	var n AuthNonce
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return AuthNonce{}, fmt.Errorf("unmarshal nonce: %w", err)
	}
	if time.Now().After(n.ExpiresAt) {
		return AuthNonce{}, ErrNotFound
	}
	return n, nil
}

// SaveSession stores sess until it expires.
func (s *RedisStore) SaveSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	return s.put(ctx, s.sessionKey(sess.ID), sess, sess.ExpiresAt)
}

// GetSession loads a live session.
func (s *RedisStore) GetSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrNotFound
	}
	data, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("redis get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := s.DeleteSession(ctx, id); err != nil {
			return Session{}, fmt.Errorf("cleanup expired session: %w", err)
		}
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.client.Del(ctx, s.sessionKey(id)).Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) put(ctx context.Context, key string, v any, expires time.Time) error {
	ttl := time.Until(expires)
	if ttl <= 0 {
		return errors.New("record is expired")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}
