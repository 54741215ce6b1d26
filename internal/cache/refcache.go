package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	refKeyPrefix = "points:ref:"
	refTTL       = 24 * time.Hour
)

// ReferenceCache maps (user, idempotency reference) to the entry ID that was
// written for it. It is a fast advisory index: a miss or a Redis failure just
// falls through to the ledger's unique constraint, so the cache can be lossy.
type ReferenceCache struct {
	rdb *redis.Client
}

func NewReferenceCache(rdb *redis.Client) *ReferenceCache {
	return &ReferenceCache{rdb: rdb}
}

func key(userID, referenceID string) string {
	return refKeyPrefix + userID + ":" + referenceID
}

func (c *ReferenceCache) GetEntryID(ctx context.Context, userID, referenceID string) (string, bool) {
	if c == nil || c.rdb == nil {
		return "", false
	}
	val, err := c.rdb.Get(ctx, key(userID, referenceID)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *ReferenceCache) PutEntryID(ctx context.Context, userID, referenceID, entryID string) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Set(ctx, key(userID, referenceID), entryID, refTTL)
}
