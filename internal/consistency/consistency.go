// Package consistency is the single place where the cache and the
// authoritative store meet.
//
// Entities with an authoritative copy (sessions, preferences) are read
// cache-aside with Load and written through with Write: the store write must
// succeed before the cache is touched, and a failing cache never fails the
// caller. Derived entries with no authoritative counterpart (scan results,
// catalog lookups) go through Put, Fetch and Memo and live only as long as
// their TTL.
package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
	"golang.org/x/sync/singleflight"
)

// Observer receives cache outcomes, typically a metrics recorder.
type Observer interface {
	CacheLookup(namespace string, hit bool)
	CacheFailure(namespace, op string)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, bool)    {}
func (nopObserver) CacheFailure(string, string) {}

// Policy applies cache-aside and write-through rules on top of a Cache.
type Policy struct {
	cache       cache.Cache
	timeout     time.Duration
	loadTimeout time.Duration
	observer    Observer
	group       singleflight.Group
}

// defaultLoadTimeout bounds a shared store load when no WithLoadTimeout is
// given.
const defaultLoadTimeout = 10 * time.Second

// Option configures a Policy.
type Option func(*Policy)

// WithObserver reports cache outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Policy) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLoadTimeout bounds each shared store load made by Load and Memo.
func WithLoadTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.loadTimeout = d
		}
	}
}

// New returns a Policy whose cache calls are each bounded by timeout.
func New(c cache.Cache, timeout time.Duration, opts ...Option) *Policy {
	p := &Policy{cache: c, timeout: timeout, loadTimeout: defaultLoadTimeout, observer: nopObserver{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads key from the cache, falling back to load on a miss or a cache
// failure. A value loaded from the store is written back with the TTL that
// ttl returns for it; a non-positive TTL skips the write. Concurrent misses
// for the same key share one load, which runs detached from any single
// caller's cancellation; each caller still stops waiting when its own ctx is
// done.
func Load[T any](ctx context.Context, p *Policy, key string, ttl func(*T) time.Duration, load func(context.Context) (*T, error)) (*T, error) {
	if v, ok := Fetch[T](ctx, p, key); ok {
		return v, nil
	}

	ch := p.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()

		v, err := load(lctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if d := ttl(v); d > 0 {
			p.set(lctx, key, data, d)
		}
		return data, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	var out T
	if err := json.Unmarshal(res.Val.([]byte), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Write persists through persist and, only if that succeeds, refreshes key in
// the cache. Cache failures are logged and swallowed.
func (p *Policy) Write(ctx context.Context, key string, value any, ttl time.Duration, persist func(context.Context) error) error {
	if err := persist(ctx); err != nil {
		return err
	}
	p.Put(ctx, key, value, ttl)
	return nil
}

// Put stores a value under key for ttl. It never fails the caller.
func (p *Policy) Put(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		p.Invalidate(ctx, key)
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		slog.Warn("Unable to encode cache entry", "key", key, "err", err)
		return
	}
	p.set(ctx, key, data, ttl)
}

// Fetch returns the cached value for key. Misses, cache failures and
// undecodable entries all report false.
func Fetch[T any](ctx context.Context, p *Policy, key string) (*T, bool) {
	ns := namespace(key)
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data, err := p.cache.Get(cctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			p.observer.CacheFailure(ns, "get")
			slog.Warn("Cache read failed", "key", key, "err", err)
		}
		p.observer.CacheLookup(ns, false)
		return nil, false
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		slog.Warn("Dropping undecodable cache entry", "key", key, "err", err)
		p.Invalidate(ctx, key)
		p.observer.CacheLookup(ns, false)
		return nil, false
	}
	p.observer.CacheLookup(ns, true)
	return &out, true
}

// Memo returns the cached value for key or computes and caches it for ttl.
// Errors from compute are returned and never cached.
func Memo[T any](ctx context.Context, p *Policy, key string, ttl time.Duration, compute func(context.Context) (*T, error)) (*T, error) {
	return Load(ctx, p, key, func(*T) time.Duration { return ttl }, compute)
}

// Invalidate removes keys from the cache, logging failures.
func (p *Policy) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.cache.Delete(cctx, keys...); err != nil {
		p.observer.CacheFailure(namespace(keys[0]), "delete")
		slog.Warn("Cache invalidation failed", "keys", keys, "err", err)
	}
}

// set writes even if ctx is already cancelled so that a completed store
// write is still mirrored.
func (p *Policy) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.cache.Set(cctx, key, data, ttl); err != nil {
		p.observer.CacheFailure(namespace(key), "set")
		slog.Warn("Cache write failed", "key", key, "err", err)
	}
}

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
