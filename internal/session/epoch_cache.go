package session

import (
	"context"
	"sync"
	"time"
)

const maxCachedEpochs = 10000

type cachedEpoch struct {
	epoch    int64
	loadedAt time.Time
}

// EpochCache serves token epochs from memory for up to ttl, so introspection
// does not hit the identity store on every request. An epoch bumped on
// another instance is picked up within ttl.
type EpochCache struct {
	source EpochSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cachedEpoch
}

func NewEpochCache(source EpochSource, ttl time.Duration) *EpochCache {
	return &EpochCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedEpoch),
	}
}

func (c *EpochCache) TokenEpoch(ctx context.Context, subjectID string) (int64, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[subjectID]
	c.mu.Unlock()
	if ok && now.Sub(entry.loadedAt) < c.ttl {
		return entry.epoch, nil
	}

	epoch, err := c.source.TokenEpoch(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCachedEpochs {
		for id, cached := range c.entries {
			if now.Sub(cached.loadedAt) >= c.ttl {
				delete(c.entries, id)
			}
		}
	}
	if len(c.entries) < maxCachedEpochs {
		c.entries[subjectID] = cachedEpoch{epoch: epoch, loadedAt: now}
	}

	return epoch, nil
}

// Forget drops the cached epoch of a subject. The facade calls it after a
// local RevokeAll.
func (c *EpochCache) Forget(subjectID string) {
	c.mu.Lock()
	delete(c.entries, subjectID)
	c.mu.Unlock()
}
