package statements

import (
	"context"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// CachedSource memoizes fetches per window for a short TTL so repeated
// dashboard refreshes do not hit the database each time.
type CachedSource struct {
	inner Source
	cache *ttlcache.Cache[time.Duration, []tracer.Statement]
}

var (
	_ Source    = (*CachedSource)(nil)
	_ Clearer   = (*CachedSource)(nil)
	_ Diagnoser = (*CachedSource)(nil)
)

// WithCache wraps inner. A non-positive ttl disables caching and returns
// inner unchanged.
func WithCache(inner Source, ttl time.Duration) Source {
	if ttl <= 0 {
		return inner
	}
	return &CachedSource{
		inner: inner,
		cache: ttlcache.New(
			ttlcache.WithTTL[time.Duration, []tracer.Statement](ttl),
			ttlcache.WithDisableTouchOnHit[time.Duration, []tracer.Statement](),
		),
	}
}

func (c *CachedSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	if item := c.cache.Get(window); item != nil {
		return slices.Clone(item.Value()), nil
	}

	sts, err := c.inner.FetchRecent(ctx, window)
	if err != nil {
		return nil, err
	}
	c.cache.Set(window, sts, ttlcache.DefaultTTL)
	return slices.Clone(sts), nil
}

// Invalidate drops every cached fetch.
func (c *CachedSource) Invalidate() {
	c.cache.DeleteAll()
}

func (c *CachedSource) Clear(ctx context.Context) error {
	defer c.Invalidate()
	return Clear(ctx, c.inner)
}

func (c *CachedSource) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	return Diagnose(ctx, c.inner)
}

func (c *CachedSource) Close() error {
	c.cache.DeleteAll()
	return c.inner.Close()
}

// Invalidate drops cached fetches if src caches them.
func Invalidate(src Source) {
	if c, ok := src.(*CachedSource); ok {
		c.Invalidate()
	}
}
