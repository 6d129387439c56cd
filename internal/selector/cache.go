package selector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// configCache holds a TTL view of the model_config table. Concurrent
// refreshes are coalesced through singleflight so a burst of selections
// costs one store read.
type configCache struct {
	mu       sync.RWMutex
	models   map[string]string
	loadedAt time.Time
	ttl      time.Duration
	group    singleflight.Group
	source   ConfigSource
}

func newConfigCache(source ConfigSource, ttl time.Duration) *configCache {
	return &configCache{source: source, ttl: ttl}
}

// get returns the cached position → model map, refreshing it when stale.
func (c *configCache) get(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	if c.models != nil && time.Since(c.loadedAt) < c.ttl {
		models := c.models
		c.mu.RUnlock()
		return models, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do("load", func() (any, error) {
		// Re-check after winning the flight; a racer may have refreshed.
		c.mu.RLock()
		if c.models != nil && time.Since(c.loadedAt) < c.ttl {
			models := c.models
			c.mu.RUnlock()
			return models, nil
		}
		c.mu.RUnlock()

		configs, err := c.source.ListModelConfigs(ctx)
		if err != nil {
			return nil, err
		}
		models := make(map[string]string, len(configs))
		for _, mc := range configs {
			models[mc.Position] = mc.ModelID
		}

		c.mu.Lock()
		c.models = models
		c.loadedAt = time.Now()
		c.mu.Unlock()
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]string), nil
}

// Invalidate clears the cache, forcing the next get to reload.
func (c *configCache) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
