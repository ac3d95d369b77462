package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// ProgressTTL is how long a job's last progress snapshot is kept.
const ProgressTTL = 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobProgress(ctx context.Context, ev models.ProgressEvent, ttl time.Duration) error
	GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.ProgressEvent, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection for pub/sub.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetJobProgress stores ev as the latest snapshot of its job.
func (c *RedisCache) SetJobProgress(ctx context.Context, ev models.ProgressEvent, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	return c.client.Set(ctx, JobProgressKey(ev.JobID), data, ttl).Err()
}

func (c *RedisCache) GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.ProgressEvent, bool, error) {
	data, found, err := c.Get(ctx, JobProgressKey(jobID))
	if err != nil || !found {
		return nil, false, err
	}
	var ev models.ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("decoding progress: %w", err)
	}
	return &ev, true, nil
}

// PublishProgress makes the cache a progress sink of the scheduler.
func (c *RedisCache) PublishProgress(ctx context.Context, ev models.ProgressEvent) error {
	return c.SetJobProgress(ctx, ev, ProgressTTL)
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
