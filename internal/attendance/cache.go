package attendance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RotationCache remembers when each event's code was last rotated so reads
// can skip the ledger round trip. A miss means "rotate now"; the persisted
// JoinCodeIssuedAt stays authoritative.
type RotationCache interface {
	Get(ctx context.Context, eventID string) (time.Time, bool, error)
	Set(ctx context.Context, eventID string, at time.Time) error
	Delete(ctx context.Context, eventID string) error
}

// MemoryRotationCache keeps rotation instants in process memory.
type MemoryRotationCache struct {
	mu sync.RWMutex
	at map[string]time.Time
}

// NewMemoryRotationCache creates an empty cache.
func NewMemoryRotationCache() *MemoryRotationCache {
	return &MemoryRotationCache{at: make(map[string]time.Time)}
}

func (c *MemoryRotationCache) Get(_ context.Context, eventID string) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.at[eventID]
	return at, ok, nil
}

func (c *MemoryRotationCache) Set(_ context.Context, eventID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at[eventID] = at
	return nil
}

func (c *MemoryRotationCache) Delete(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.at, eventID)
	return nil
}

// RedisRotationCache stores rotation instants in a Redis hash so they survive
// an API restart.
type RedisRotationCache struct {
	client *redis.Client
	key    string
}

// NewRedisRotationCache builds a cache on the given hash key.
func NewRedisRotationCache(client *redis.Client, key string) *RedisRotationCache {
	if key == "" {
		key = "eventgate:rotations"
	}
	return &RedisRotationCache{client: client, key: key}
}

func (c *RedisRotationCache) Get(ctx context.Context, eventID string) (time.Time, bool, error) {
	val, err := c.client.HGet(ctx, c.key, eventID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

func (c *RedisRotationCache) Set(ctx context.Context, eventID string, at time.Time) error {
	return c.client.HSet(ctx, c.key, eventID, strconv.FormatInt(at.UnixNano(), 10)).Err()
}

func (c *RedisRotationCache) Delete(ctx context.Context, eventID string) error {
	return c.client.HDel(ctx, c.key, eventID).Err()
}
