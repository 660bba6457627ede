package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// TokenCache implements domain.TokenCache with one expiring key per token.
//
// Key schema:
//
//	{prefix}:token:unknown:{tokenID} - "1", expires after the negative TTL
type TokenCache struct {
	c *Client
}

var _ domain.TokenCache = (*TokenCache)(nil)

// NewTokenCache creates a TokenCache backed by c.
func NewTokenCache(c *Client) *TokenCache {
	return &TokenCache{c: c}
}

func (tc *TokenCache) unknownKey(tokenID string) string {
	return tc.c.key("token", "unknown", tokenID)
}

// MarkUnknown records that no market owns tokenID, for ttl.
func (tc *TokenCache) MarkUnknown(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := tc.c.rdb.Set(ctx, tc.unknownKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis: mark token %s unknown: %w", tokenID, err)
	}
	return nil
}

// IsUnknown reports whether tokenID was recently marked unknown.
func (tc *TokenCache) IsUnknown(ctx context.Context, tokenID string) (bool, error) {
	err := tc.c.rdb.Get(ctx, tc.unknownKey(tokenID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: read token %s: %w", tokenID, err)
	}
	return true, nil
}
