package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "blacklist:refresh:"

// Store tracks tokens invalidated before their natural expiry. Entries are
// evicted by the backend once the token itself would have expired, so the
// store stays bounded by active sessions times the max refresh TTL.
type Store interface {
	Revoke(ctx context.Context, tokenValue string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenValue string) (bool, error)
}

type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, now func() time.Time) *RedisStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RedisStore{client: client, now: now}
}

// key hashes the raw token so key size stays bounded regardless of claim
// payload size.
func key(tokenValue string) string {
	sum := sha256.Sum256([]byte(tokenValue))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Revoke stores an entry that lives exactly as long as the token would have.
// A token already past its expiry needs no entry.
func (s *RedisStore) Revoke(ctx context.Context, tokenValue string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, key(tokenValue), "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsRevoked(ctx context.Context, tokenValue string) (bool, error) {
	n, err := s.client.Exists(ctx, key(tokenValue)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}
