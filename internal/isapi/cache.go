package isapi

import (
	"sync"
	"time"
)

type cacheItem struct {
	xml string
	ts  time.Time
}

// correlationCache remembers the last XML seen per client address so that a
// later image-only multipart frame from the same source can be attached to
// it. Entries expire after the TTL; firmware that sends pictures in a
// separate POST does so within a few seconds of the metadata.
type correlationCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]cacheItem
	now   func() time.Time
}

func newCorrelationCache(ttl time.Duration) *correlationCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &correlationCache{
		ttl:   ttl,
		items: make(map[string]cacheItem),
		now:   time.Now,
	}
}

func (c *correlationCache) Set(clientAddr, xml string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[clientAddr] = cacheItem{xml: xml, ts: c.now()}
}

// Get returns the cached XML for the source, expiring it on read when stale.
func (c *correlationCache) Get(clientAddr string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[clientAddr]
	if !ok {
		return "", false
	}
	if c.now().Sub(item.ts) > c.ttl {
		delete(c.items, clientAddr)
		return "", false
	}
	return item.xml, true
}

// Sweep drops all expired entries.
func (c *correlationCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, v := range c.items {
		if now.Sub(v.ts) > c.ttl {
			delete(c.items, k)
		}
	}
}
