// Package cache is a Redis-backed cache for provider responses, keyed by
// (provider, symbol, range) with per-provider TTLs. A nil *RecordCache is a
// valid pass-through.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantfold/factorpipe/internal/domain"
	"github.com/quantfold/factorpipe/internal/metrics"
)

// RecordCache stores JSON-encoded provider record slices.
type RecordCache struct {
	rdb redis.Cmdable
}

// New wraps a Redis client. Returns nil (pass-through) for a nil client.
func New(rdb redis.Cmdable) *RecordCache {
	if rdb == nil {
		return nil
	}
	return &RecordCache{rdb: rdb}
}

// Key builds the canonical cache key for a provider fetch.
func Key(providerID, symbol string, dr domain.DateRange) string {
	return fmt.Sprintf("factorpipe:%s:%s:%s:%s", providerID, symbol, domain.DayKey(dr.From), domain.DayKey(dr.To))
}

// Get unmarshals the cached value into out, reporting whether it was found.
// Cache errors degrade to a miss; the caller falls through to the provider.
func (c *RecordCache) Get(ctx context.Context, key string, out any) bool {
	if c == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.CacheHits.WithLabelValues("error").Inc()
		} else {
			metrics.CacheHits.WithLabelValues("miss").Inc()
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		metrics.CacheHits.WithLabelValues("error").Inc()
		return false
	}
	metrics.CacheHits.WithLabelValues("hit").Inc()
	return true
}

// Set stores v under key for ttl. Errors are non-fatal by contract.
func (c *RecordCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}
