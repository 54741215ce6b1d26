package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestReferenceCacheHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewReferenceCache(db)
	ctx := context.Background()

	mock.ExpectGet("points:ref:alice:order-1").SetVal("entry-123")

	entryID, ok := c.GetEntryID(ctx, "alice", "order-1")
	assert.True(t, ok)
	assert.Equal(t, "entry-123", entryID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReferenceCacheMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewReferenceCache(db)

	mock.ExpectGet("points:ref:alice:order-2").RedisNil()

	_, ok := c.GetEntryID(context.Background(), "alice", "order-2")
	assert.False(t, ok)
}

func TestReferenceCachePut(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewReferenceCache(db)

	mock.ExpectSet("points:ref:alice:order-3", "entry-456", 24*time.Hour).SetVal("OK")

	c.PutEntryID(context.Background(), "alice", "order-3", "entry-456")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReferenceCacheToleratesRedisFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewReferenceCache(db)

	mock.ExpectGet("points:ref:alice:order-4").SetErr(assert.AnError)

	_, ok := c.GetEntryID(context.Background(), "alice", "order-4")
	assert.False(t, ok, "a failing cache lookup must read as a miss")
}

func TestReferenceCacheNilClient(t *testing.T) {
	var c *ReferenceCache
	_, ok := c.GetEntryID(context.Background(), "alice", "r")
	assert.False(t, ok)
	c.PutEntryID(context.Background(), "alice", "r", "e")

	c = NewReferenceCache((*redis.Client)(nil))
	_, ok = c.GetEntryID(context.Background(), "alice", "r")
	assert.False(t, ok)
}
