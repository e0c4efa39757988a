package features

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache stores computed feature vectors in Redis keyed by symbol and bar
// timestamp. A nil Cache is a no-op: every lookup is a miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a feature cache. Returns nil when client is nil so
// callers can wire Redis optionally.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(symbol string, ts time.Time) string {
	return fmt.Sprintf("features:%s:%d", symbol, ts.UTC().Unix())
}

// Get returns the cached vector for (symbol, bar timestamp), or false on
// any miss or error. Cache failures never fail the pipeline.
func (c *Cache) Get(ctx context.Context, symbol string, ts time.Time) (Vector, bool) {
	if c == nil || c.client == nil {
		return Vector{}, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol, ts)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Feature cache get error - treating as miss")
		}
		return Vector{}, false
	}

	var vec Vector
	if err := json.Unmarshal([]byte(cached), &vec); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached feature vector")
		return Vector{}, false
	}
	return vec, true
}

// Set stores a vector; errors are logged, never returned
func (c *Cache) Set(ctx context.Context, vec Vector) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(vec)
	if err != nil {
		log.Warn().Err(err).Str("symbol", vec.Symbol).Msg("Failed to marshal feature vector")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(vec.Symbol, vec.Timestamp), data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", vec.Symbol).Msg("Feature cache set error")
	}
}
