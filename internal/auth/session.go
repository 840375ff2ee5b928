// Package auth resolves bearer tokens to user identities via the shared
// session store.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound means the token does not map to a live session.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore resolves an opaque session token to the owning user.
type SessionStore interface {
	Lookup(ctx context.Context, token string) (uuid.UUID, error)
}

// sessionKey returns the Redis key holding the user id for one token.
func sessionKey(token string) string {
	return "sessions:" + token
}

// RedisSessionStore implements SessionStore over Redis string keys written by
// the identity service at login time.
type RedisSessionStore struct {
	client redis.UniversalClient
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Lookup implements SessionStore.
func (s *RedisSessionStore) Lookup(ctx context.Context, token string) (uuid.UUID, error) {
	val, err := s.client.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrSessionNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read session: %w", err)
	}
	userID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed session payload: %w", err)
	}
	return userID, nil
}

// StaticSessionStore maps fixed tokens to user ids. Used in tests and local
// development without a Redis instance.
type StaticSessionStore struct {
	sessions map[string]uuid.UUID
}

// NewStaticSessionStore creates a store holding the given token to user map.
func NewStaticSessionStore(sessions map[string]uuid.UUID) *StaticSessionStore {
	return &StaticSessionStore{sessions: sessions}
}

// Lookup implements SessionStore.
func (s *StaticSessionStore) Lookup(_ context.Context, token string) (uuid.UUID, error) {
	userID, ok := s.sessions[token]
	if !ok {
		return uuid.Nil, ErrSessionNotFound
	}
	return userID, nil
}
