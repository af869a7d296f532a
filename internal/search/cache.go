package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SummaryCache stores URL summaries so repeated hits skip re-summarization.
type SummaryCache interface {
	Get(ctx context.Context, pageURL string) (string, bool)
	Set(ctx context.Context, pageURL, summary string)
}

// NopCache is the default no-op cache.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (string, bool) { return "", false }
func (NopCache) Set(context.Context, string, string)        {}

// RedisCache keys summaries by a hash of the URL with a TTL. Cache failures
// are logged and ignored; the pipeline never depends on Redis being up.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisCache connects a cache to a Redis instance.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

// Ping checks connectivity at startup.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func cacheKey(pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return "delver:summary:" + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, pageURL string) (string, bool) {
	val, err := c.client.Get(ctx, cacheKey(pageURL)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("get %s: %v", pageURL, err)
		}
		return "", false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, pageURL, summary string) {
	if err := c.client.Set(ctx, cacheKey(pageURL), summary, c.ttl).Err(); err != nil {
		c.logger.Printf("set %s: %v", pageURL, err)
	}
}
