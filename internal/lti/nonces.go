package lti

import (
	"sync"
	"time"
)

// NonceStore remembers the nonces of accepted id_tokens.
type NonceStore interface {
	// Consume records the nonce issued by issuer until the given time and
	// reports whether it was unseen.
	Consume(issuer, nonce string, until time.Time) bool
}

type nonceKey struct {
	issuer string
	nonce  string
}

// NonceCache is a process-local NonceStore. A nonce is held until the token
// carrying it has expired; expired entries are swept at most once per
// sweepEvery.
type NonceCache struct {
	mu         sync.Mutex
	seen       map[nonceKey]time.Time
	sweepEvery time.Duration
	nextSweep  time.Time
	now        func() time.Time
}

func NewNonceCache(sweepEvery time.Duration) *NonceCache {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	return &NonceCache{
		seen:       make(map[nonceKey]time.Time),
		sweepEvery: sweepEvery,
		now:        time.Now,
	}
}

func (c *NonceCache) Consume(issuer, nonce string, until time.Time) bool {
	now := c.now()
	k := nonceKey{issuer: issuer, nonce: nonce}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.Before(c.nextSweep) {
		for k, exp := range c.seen {
			if !exp.After(now) {
				delete(c.seen, k)
			}
		}
		c.nextSweep = now.Add(c.sweepEvery)
	}

	if exp, ok := c.seen[k]; ok && exp.After(now) {
		return false
	}
	c.seen[k] = until
	return true
}

// Len reports how many nonces are held.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
