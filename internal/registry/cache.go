package registry

import (
	"context"
	"sync"
	"time"
)

// Cached is a read-through cache in front of another Registry. Misses and
// errors are never cached, so newly enabled platforms show up immediately.
type Cached struct {
	next Registry
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedPlatform
}

type cachedPlatform struct {
	p       Platform
	expires time.Time
}

func NewCached(next Registry, ttl time.Duration) *Cached {
	return &Cached{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPlatform),
	}
}

func (c *Cached) Lookup(ctx context.Context, issuer, clientID string) (Platform, error) {
	k := issuer + "|" + clientID
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.p, nil
	}

	p, err := c.next.Lookup(ctx, issuer, clientID)
	if err != nil {
		return Platform{}, err
	}

	c.mu.Lock()
	c.entries[k] = cachedPlatform{p: p, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return p, nil
}
