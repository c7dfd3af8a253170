package middleware

import (
	"context"
	"fmt"

	"chatcall-backend/internal/database"
)

// RedisRevocationChecker looks tokens up in the auth service's Redis blacklist
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if the token id is blacklisted
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	exists, err := c.client.SafeExists(ctx, fmt.Sprintf("blacklist:%s", tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}
	return exists > 0, nil
}
