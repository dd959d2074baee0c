package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"github.com/redis/go-redis/v9"
)

// setStatusScript writes ARGV[1] unless the new entry is non-terminal
// (ARGV[3] == "0") and the stored one is terminal.
var setStatusScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[3] == '0' then
  local ok, prev = pcall(cjson.decode, cur)
  if ok and type(prev) == 'table' then
    local s = prev['status']
    if s == 'succeeded' or s == 'failed' or s == 'canceled' then
      return 0
    end
  end
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// JobStatusEntry is the mirrored status of one job. UserID lets readers
// enforce ownership without a database round trip.
type JobStatusEntry struct {
	UserID   uuid.UUID `json:"user_id"`
	Status   string    `json:"status"`
	Progress string    `json:"progress,omitempty"`
}

// Terminal reports whether the entry records a finished job.
func (e JobStatusEntry) Terminal() bool {
	return models.JobStatus(e.Status).IsTerminal()
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// SetJobStatus never replaces a terminal entry with a non-terminal one.
	SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying client for pub/sub users.
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
	if errors.Is(err, redis.Nil) {
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

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, entry JobStatusEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}
	terminal := "0"
	if entry.Terminal() {
		terminal = "1"
	}
	return setStatusScript.Run(ctx, c.client, []string{JobStatusKey(jobID)}, b, ttl.Milliseconds(), terminal).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (JobStatusEntry, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatusEntry{}, false, nil
	}
	if err != nil {
		return JobStatusEntry{}, false, err
	}
	var entry JobStatusEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return JobStatusEntry{}, false, fmt.Errorf("decode job status: %w", err)
	}
	return entry, true, nil
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

func (c *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}
