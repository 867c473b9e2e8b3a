package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/providers"
)

// Entry is a cached normalized response plus the metadata needed to report
// what the hit saved.
type Entry struct {
	Response     *providers.ChatResponse `json:"response"`
	Provider     string                  `json:"provider"`
	Model        string                  `json:"model"`
	OriginalCost string                  `json:"original_cost"`
	Currency     string                  `json:"currency"`
	StoredAt     time.Time               `json:"stored_at"`
}

// Cache stores normalized responses in redis keyed by request fingerprint.
// Concurrent misses for the same fingerprint are collapsed with singleflight
// so only one upstream call is made; followers wait bounded by MaxWait or
// their own deadline and fall back to a miss on expiry.
type Cache struct {
	client     *redis.Client
	logger     *zap.Logger
	group      singleflight.Group
	ttl        time.Duration
	maxWait    time.Duration
	versionTag string
	enabled    bool
}

type Config struct {
	Client     *redis.Client
	Logger     *zap.Logger
	Enabled    bool
	TTL        time.Duration
	MaxWait    time.Duration
	VersionTag string
}

func New(cfg *Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 10 * time.Second
	}
	return &Cache{
		client:     cfg.Client,
		logger:     cfg.Logger,
		ttl:        cfg.TTL,
		maxWait:    cfg.MaxWait,
		versionTag: cfg.VersionTag,
		enabled:    cfg.Enabled,
	}
}

func (c *Cache) Enabled() bool {
	return c.enabled
}

// Key computes the fingerprint for a request under the configured version tag.
func (c *Cache) Key(req *providers.ChatRequest) string {
	return Fingerprint(req, c.versionTag)
}

// Cacheable reports whether a request may use the cache at all. Streaming
// responses are never cached.
func (c *Cache) Cacheable(req *providers.ChatRequest) bool {
	return c.enabled && !req.Stream
}

// Get returns the cached entry for a key, or a miss. Redis failures degrade
// to a miss so the request path stays available.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, models.CacheStatus) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, models.CacheMiss
	}
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		return nil, models.CacheError
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("corrupt cache entry evicted", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return nil, models.CacheMiss
	}
	return &entry, models.CacheHit
}

// Set stores an entry under the key. Failures are logged, not returned: a
// write miss only costs a future cache hit.
func (c *Cache) Set(ctx context.Context, key string, entry *Entry) {
	entry.StoredAt = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("failed to marshal cache entry", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// SetWithTTL stores an entry with an explicit TTL, clamped to the configured
// maximum.
func (c *Cache) SetWithTTL(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	entry.StoredAt = time.Now().UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("failed to marshal cache entry", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// Do collapses concurrent misses on the same key: the first caller runs fn
// and every concurrent caller shares its result. Waiting is bounded by the
// caller's deadline and the configured maximum; a follower that times out
// detaches and reports the wait error.
func (c *Cache) Do(ctx context.Context, key string, fn func() (*Entry, error)) (*Entry, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		entry, err := fn()
		if err != nil {
			return nil, err
		}
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Entry), res.Shared, nil
	case <-waitCtx.Done():
		c.group.Forget(key)
		return nil, true, fmt.Errorf("timed out waiting for in-flight request: %w", waitCtx.Err())
	}
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
