package certificates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = time.Hour
)

type InvalidationPolicy string

const (
	// InvalidateAll drops every cached entry on any registry mutation.
	InvalidateAll InvalidationPolicy = "all"
	// InvalidateKeys drops only the fingerprints a mutation touched.
	InvalidateKeys InvalidationPolicy = "key"
)

func ParseInvalidationPolicy(s string) (InvalidationPolicy, error) {
	switch InvalidationPolicy(s) {
	case "", InvalidateAll:
		return InvalidateAll, nil
	case InvalidateKeys:
		return InvalidateKeys, nil
	default:
		return "", fmt.Errorf("invalid cache invalidation policy: %s (valid: all, key)", s)
	}
}

type CacheConfig struct {
	Size         int           `mapstructure:"size"`
	TTL          time.Duration `mapstructure:"ttl"`
	Invalidation string        `mapstructure:"invalidation"`
}

// FingerprintLookup is the read path the cache sits in front of.
type FingerprintLookup interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*Record, error)
}

// FingerprintCache is a bounded read-through cache of records keyed by
// fingerprint. Lookup misses are not cached.
type FingerprintCache struct {
	source  FingerprintLookup
	entries *expirable.LRU[string, *Record]
	group   singleflight.Group
	policy  InvalidationPolicy

	// mu orders cache fills against invalidations. generation is bumped on
	// every invalidation so that a load racing with one does not repopulate a
	// stale entry.
	mu         sync.Mutex
	generation uint64
}

func NewFingerprintCache(source FingerprintLookup, size int, ttl time.Duration, policy InvalidationPolicy) *FingerprintCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if policy == "" {
		policy = InvalidateAll
	}
	return &FingerprintCache{
		source:  source,
		entries: expirable.NewLRU[string, *Record](size, nil, ttl),
		policy:  policy,
	}
}

// Attach subscribes the cache to the registry's mutations.
func (c *FingerprintCache) Attach(registry *Registry) {
	registry.OnChange(c.Invalidate)
}

// FindByFingerprint returns a copy of the cached record, loading it on a miss.
// Concurrent misses share one load, which is detached from any single
// caller's cancellation. Each caller still returns early when its own ctx is
// done.
func (c *FingerprintCache) FindByFingerprint(ctx context.Context, fingerprint string) (*Record, error) {
	if record, ok := c.entries.Get(fingerprint); ok {
		return record.Clone(), nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (any, error) {
		c.mu.Lock()
		gen := c.generation
		c.mu.Unlock()

		record, err := c.source.FindByFingerprint(loadCtx, fingerprint)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generation == gen {
			c.entries.Add(fingerprint, record.Clone())
		}
		c.mu.Unlock()
		return record, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Record).Clone(), nil
	}
}

func (c *FingerprintCache) Invalidate(fingerprints []string) {
	c.mu.Lock()
	c.generation++
	switch c.policy {
	case InvalidateKeys:
		for _, fp := range fingerprints {
			c.entries.Remove(fp)
		}
	default:
		c.entries.Purge()
	}
	c.mu.Unlock()
	slog.Debug("Invalidated fingerprint cache", "policy", c.policy, "fingerprints", len(fingerprints))
}

func (c *FingerprintCache) Len() int {
	return c.entries.Len()
}
