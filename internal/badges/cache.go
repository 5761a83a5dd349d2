package badges

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Fetcher loads the catalog for one channel.
type Fetcher interface {
	Fetch(ctx context.Context, channel string) (*Catalog, error)
}

// Cache keeps one catalog per channel. Catalogs are fetched once and only
// replaced by Refresh.
type Cache struct {
	fetcher Fetcher
	primary string
	log     *slog.Logger

	// OnUpdate runs after every successful fetch of the primary channel.
	OnUpdate func(*Catalog)

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*Catalog
}

func NewCache(fetcher Fetcher, primary string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher: fetcher,
		primary: channelKey(primary),
		log:     logger,
		entries: make(map[string]*Catalog),
	}
}

func channelKey(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// Get returns the cached catalog for channel, fetching it on first use.
// Concurrent callers share one fetch.
func (c *Cache) Get(ctx context.Context, channel string) (*Catalog, error) {
	if c == nil {
		return nil, ErrNoCredentials
	}
	key := channelKey(channel)
	c.mu.RLock()
	cat, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return cat, nil
	}
	return c.load(ctx, key, false)
}

// Refresh refetches channel and replaces its catalog on success.
func (c *Cache) Refresh(ctx context.Context, channel string) (*Catalog, error) {
	if c == nil {
		return nil, ErrNoCredentials
	}
	return c.load(ctx, channelKey(channel), true)
}

// Primary is the configured channel's catalog, or nil before it loads.
func (c *Cache) Primary() *Catalog {
	if c == nil || c.primary == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.primary]
}

func (c *Cache) PrimaryChannel() string {
	if c == nil {
		return ""
	}
	return c.primary
}

func (c *Cache) load(ctx context.Context, key string, force bool) (*Catalog, error) {
	group := "get:" + key
	if force {
		group = "refresh:" + key
	}
	v, err, _ := c.group.Do(group, func() (any, error) {
		if !force {
			c.mu.RLock()
			cat, ok := c.entries[key]
			c.mu.RUnlock()
			if ok {
				return cat, nil
			}
		}
		cat, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			c.log.Warn("badges: fetch failed", "channel", key, "err", err)
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cat
		c.mu.Unlock()
		if key == c.primary && c.OnUpdate != nil {
			c.OnUpdate(cat)
		}
		return cat, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}
