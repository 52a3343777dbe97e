package llm

import (
	"context"
	"sync/atomic"
)

// Usage counts provider requests and cache hits for one unit of work. A
// Usage created under another one also adds to its parent, so a pipeline
// run sees the calls of every phase.
type Usage struct {
	parent    *Usage
	calls     atomic.Int64
	cacheHits atomic.Int64
}

type usageKey struct{}

// WithUsage returns a context whose model calls are counted in the
// returned Usage.
func WithUsage(ctx context.Context) (context.Context, *Usage) {
	u := &Usage{parent: UsageFrom(ctx)}
	return context.WithValue(ctx, usageKey{}, u), u
}

// UsageFrom returns the innermost Usage on ctx, or nil.
func UsageFrom(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}

// Calls returns the provider requests made, retries included.
func (u *Usage) Calls() int {
	if u == nil {
		return 0
	}
	return int(u.calls.Load())
}

// CacheHits returns the calls answered from the cache.
func (u *Usage) CacheHits() int {
	if u == nil {
		return 0
	}
	return int(u.cacheHits.Load())
}

func (u *Usage) addCall() {
	for ; u != nil; u = u.parent {
		u.calls.Add(1)
	}
}

func (u *Usage) addCacheHit() {
	for ; u != nil; u = u.parent {
		u.cacheHits.Add(1)
	}
}
