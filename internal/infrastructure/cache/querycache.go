package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"investigation-lab/internal/domain/models"
)

// MemoryQueryCache keeps queries in process memory. Last write wins and
// nothing is evicted.
type MemoryQueryCache struct {
	mu      sync.RWMutex
	queries map[string]*models.Query
}

// NewMemoryQueryCache creates an empty cache
func NewMemoryQueryCache() *MemoryQueryCache {
	return &MemoryQueryCache{queries: make(map[string]*models.Query)}
}

func (c *MemoryQueryCache) Put(_ context.Context, fingerprint string, q *models.Query) error {
	cp := *q
	c.mu.Lock()
	c.queries[fingerprint] = &cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryQueryCache) Get(_ context.Context, fingerprint string) (*models.Query, error) {
	c.mu.RLock()
	q, ok := c.queries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, models.ErrQueryNotFound
	}
	cp := *q
	return &cp, nil
}

func (c *MemoryQueryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.queries = make(map[string]*models.Query)
	c.mu.Unlock()
	return nil
}

func (c *MemoryQueryCache) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queries), nil
}

// RedisQueryCache shares queries between processes. Each query is stored as
// JSON under query:<fingerprint>; an index set tracks fingerprints for Clear
// and Len. A zero TTL keeps queries until cleared.
type RedisQueryCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewRedisQueryCache creates a Redis-backed query cache
func NewRedisQueryCache(r *RedisCache, ttl time.Duration) *RedisQueryCache {
	return &RedisQueryCache{redis: r, ttl: ttl}
}

func (c *RedisQueryCache) Put(ctx context.Context, fingerprint string, q *models.Query) error {
	if err := c.redis.SetJSON(ctx, KeyQueryPrefix+fingerprint, q, c.ttl); err != nil {
		return fmt.Errorf("failed to cache query: %w", err)
	}
	if err := c.redis.SAdd(ctx, KeyQueryIndex, fingerprint); err != nil {
		return fmt.Errorf("failed to index query: %w", err)
	}
	return nil
}

func (c *RedisQueryCache) Get(ctx context.Context, fingerprint string) (*models.Query, error) {
	var q models.Query
	if err := c.redis.GetJSON(ctx, KeyQueryPrefix+fingerprint, &q); err != nil {
		if IsMiss(err) {
			return nil, models.ErrQueryNotFound
		}
		return nil, fmt.Errorf("failed to read query: %w", err)
	}
	return &q, nil
}

func (c *RedisQueryCache) Clear(ctx context.Context) error {
	fingerprints, err := c.redis.SMembers(ctx, KeyQueryIndex)
	if err != nil {
		return fmt.Errorf("failed to list queries: %w", err)
	}
	keys := make([]string, 0, len(fingerprints)+1)
	for _, fp := range fingerprints {
		keys = append(keys, KeyQueryPrefix+fp)
	}
	keys = append(keys, KeyQueryIndex)
	return c.redis.Delete(ctx, keys...)
}

// Len counts indexed queries that have not expired. Expired entries are
// pruned from the index as a side effect.
func (c *RedisQueryCache) Len(ctx context.Context) (int, error) {
	fingerprints, err := c.redis.SMembers(ctx, KeyQueryIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to list queries: %w", err)
	}
	n := 0
	var stale []any
	for _, fp := range fingerprints {
		exists, err := c.redis.Exists(ctx, KeyQueryPrefix+fp)
		if err != nil {
			return 0, err
		}
		if exists > 0 {
			n++
		} else {
			stale = append(stale, fp)
		}
	}
	if len(stale) > 0 {
		if err := c.redis.SRem(ctx, KeyQueryIndex, stale...); err != nil {
			return n, err
		}
	}
	return n, nil
}
