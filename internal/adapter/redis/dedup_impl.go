package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/price-scraper-service/pkg/utils"
)

const dedupKeyPrefix = "pricedata:dedup:"

// DedupRepoImpl provides a concrete implementation for the DedupRepository interface using Redis.
type DedupRepoImpl struct {
	client *redis.Client
}

// NewDedupRepo creates a new instance of DedupRepoImpl.
func NewDedupRepo(client *redis.Client) *DedupRepoImpl {
	return &DedupRepoImpl{client: client}
}

// generateKey creates a consistent Redis key by hashing the caller's key.
func (r *DedupRepoImpl) generateKey(key string) string {
	return dedupKeyPrefix + utils.HashKey(key)
}

// MarkIfAbsent claims the key with SET NX and an expiry, atomically.
func (r *DedupRepoImpl) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.generateKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release removes the claim.
func (r *DedupRepoImpl) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.generateKey(key)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
