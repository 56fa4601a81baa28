package embed

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// DefaultCallTimeout bounds a shared inner call when none is set.
const DefaultCallTimeout = 5 * time.Second

// Cached memoizes an inner embedder in a bounded LRU. Concurrent requests
// for the same text share a single inner call. The shared call runs
// detached from any one caller, so a caller that gives up only abandons
// its own wait.
type Cached struct {
	inner       Embedder
	callTimeout time.Duration

	mu    sync.Mutex
	cache *lru.Cache

	group singleflight.Group

	observe func(hit bool)
}

// NewCached wraps inner with an LRU holding up to size vectors.
func NewCached(inner Embedder, size int) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{inner: inner, cache: lru.New(size), callTimeout: DefaultCallTimeout}
}

// SetCallTimeout bounds each shared inner call. Call before the embedder
// is shared.
func (c *Cached) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.callTimeout = d
	}
}

// OnLookup registers fn to be told whether each lookup hit the cache.
// Call before the embedder is shared.
func (c *Cached) OnLookup(fn func(hit bool)) { c.observe = fn }

func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Len returns the number of cached vectors.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

func (c *Cached) Embed(ctx context.Context, text string) (engine.Vector, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(text); ok {
		c.mu.Unlock()
		c.report(true)
		return clone(v.(engine.Vector)), nil
	}
	c.mu.Unlock()
	c.report(false)

	ch := c.group.DoChan(text, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()
		v, err := c.inner.Embed(callCtx, text)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache.Add(text, clone(v))
		c.mu.Unlock()
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return clone(r.Val.(engine.Vector)), nil
	case <-ctx.Done():
		return nil, unavailable(ctx.Err())
	}
}

func (c *Cached) report(hit bool) {
	if c.observe != nil {
		c.observe(hit)
	}
}

// clone keeps callers from mutating cached vectors.
func clone(v engine.Vector) engine.Vector {
	out := make(engine.Vector, len(v))
	copy(out, v)
	return out
}
