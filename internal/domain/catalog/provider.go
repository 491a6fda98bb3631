package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

var _ Provider = (*Static)(nil)

// Static serves the same snapshot on every call.
type Static struct {
	snap *Snapshot
}

// NewStatic returns a Provider over a fixed product list.
func NewStatic(products []Product) *Static {
	return &Static{snap: NewSnapshot(products)}
}

// Snapshot implements Provider.
func (s *Static) Snapshot(_ context.Context) (*Snapshot, error) {
	return s.snap, nil
}

var _ Provider = (*Cached)(nil)

// Cached wraps a Provider and reuses its last snapshot until the TTL elapses.
// A failed refresh is returned to the caller; a stale snapshot is never served.
type Cached struct {
	next Provider
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	snap      *Snapshot
	expiresAt time.Time
}

// NewCached creates a TTL cache in front of next.
func NewCached(next Provider, ttl time.Duration) *Cached {
	return &Cached{next: next, ttl: ttl, now: time.Now}
}

// Snapshot implements Provider.
func (c *Cached) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.snap != nil && now.Before(c.expiresAt) {
		return c.snap, nil
	}

	snap, err := c.next.Snapshot(ctx)
	if err != nil {
		c.snap = nil
		return nil, errors.Wrap(err, "refresh catalog")
	}
	c.snap = snap
	c.expiresAt = now.Add(c.ttl)
	return snap, nil
}

// Invalidate drops the cached snapshot so the next call reloads it.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}
