package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rattlive/pkg/metrics"
	rotel "rattlive/pkg/otel"

	"github.com/bluele/gcache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const DefaultSize = 1024

// Compute produces the value for a cache key.
type Compute func(ctx context.Context) (any, error)

type entry struct {
	value   any
	expires time.Time
}

// Cache is a get-or-compute store with a TTL per key. At most one
// computation per key runs at a time; callers arriving while it runs share
// its result. Unrelated keys never wait on each other.
type Cache struct {
	store      gcache.Cache
	group      singleflight.Group
	serveStale bool
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures a Cache.
type Option func(*Cache)

// WithServeStale makes a failed recomputation return the expired value
// when one is still held, instead of the error.
func WithServeStale(serve bool) Option {
	return func(c *Cache) {
		c.serveStale = serve
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns a cache holding at most size keys, evicting the least
// recently used.
func New(size int, opts ...Option) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache{
		store:  gcache.New(size).LRU().Build(),
		now:    time.Now,
		tracer: otel.Tracer("result-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// flight is the shared outcome of one computation. staleErr is set when
// the computation failed and an expired value was served in its place.
type flight struct {
	value    any
	staleErr error
}

// GetOrCompute returns the cached value for key if it has not expired.
// Otherwise compute runs once for all concurrent callers of key and its
// result is stored for ttl. A failed computation is never stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute Compute) (any, error) {
	kind := kindOf(key)

	if e, ok := c.lookup(key); ok && c.fresh(e) {
		metrics.RecordCacheLookup(ctx, kind, "hit")
		return e.value, nil
	}
	metrics.RecordCacheLookup(ctx, kind, "miss")

	f, err := c.do(ctx, key, ttl, compute, true)
	if err != nil {
		return nil, err
	}
	return f.value, nil
}

// Refresh recomputes key whatever its expiry, sharing the flight with any
// concurrent GetOrCompute of the same key. The held value stays in place
// until the new one is stored; on failure the error is returned even when
// waiters were served the stale value.
func (c *Cache) Refresh(ctx context.Context, key string, ttl time.Duration, compute Compute) (any, error) {
	f, err := c.do(ctx, key, ttl, compute, false)
	if err != nil {
		return nil, err
	}
	if f.staleErr != nil {
		return f.value, f.staleErr
	}
	return f.value, nil
}

func (c *Cache) do(ctx context.Context, key string, ttl time.Duration, compute Compute, reuseFresh bool) (flight, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		// Another flight may have stored the key since our lookup.
		if e, ok := c.lookup(key); ok && reuseFresh && c.fresh(e) {
			return flight{value: e.value}, nil
		}
		return c.compute(ctx, key, ttl, compute)
	})
	if shared {
		slog.Debug("Shared in-flight cache computation", "key", key)
	}
	if err != nil {
		return flight{}, err
	}
	return v.(flight), nil
}

func (c *Cache) compute(ctx context.Context, key string, ttl time.Duration, compute Compute) (flight, error) {
	kind := kindOf(key)

	// The computation serves every waiter, so one caller going away must
	// not cancel it.
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "cache.compute",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.kind", kind),
			attribute.String("cache.ttl", ttl.String()),
		),
	)
	defer span.End()

	start := time.Now()
	value, err := compute(ctx)
	metrics.RecordCacheCompute(ctx, kind, time.Since(start), err)

	if err != nil {
		err = fmt.Errorf("failed to compute %s: %w", key, err)
		rotel.RecordError(span, err, rotel.ErrorTypeCache, true)
		if e, ok := c.lookup(key); ok && c.serveStale {
			slog.Warn("Recomputation failed, serving stale value",
				"key", key,
				"expired", e.expires,
				"error", err,
			)
			metrics.RecordCacheLookup(ctx, kind, "stale")
			span.SetAttributes(attribute.Bool("cache.stale", true))
			return flight{value: e.value, staleErr: err}, nil
		}
		return flight{}, err
	}

	if err := c.store.Set(key, entry{value: value, expires: c.now().Add(ttl)}); err != nil {
		slog.Error("Failed to store cache entry", "key", key, "error", err)
	}
	rotel.SetSpanOk(span)
	return flight{value: value}, nil
}

func (c *Cache) lookup(key string) (entry, bool) {
	v, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			slog.Error("Cache lookup failed", "key", key, "error", err)
		}
		return entry{}, false
	}
	e, ok := v.(entry)
	return e, ok
}

func (c *Cache) fresh(e entry) bool {
	return c.now().Before(e.expires)
}

// Invalidate drops key so the next lookup recomputes it.
func (c *Cache) Invalidate(key string) {
	c.store.Remove(key)
}

// Purge drops every key.
func (c *Cache) Purge() {
	c.store.Purge()
}

// Len returns the number of stored keys, expired ones included.
func (c *Cache) Len() int {
	return c.store.Len(false)
}

// Fetch is GetOrCompute for a typed computation.
func Fetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache key %s holds %T", key, v)
	}
	return t, nil
}

// kindOf is the metric label for key: the part before the first ':'.
func kindOf(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}
