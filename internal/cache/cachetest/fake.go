// Package cachetest provides an in-memory cache.Cache with failure injection
// for tests.
package cachetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
)

// ErrDown is returned by every operation while the fake is failing.
var ErrDown = errors.New("cache unavailable")

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Fake is a map-backed cache.Cache. Expiry follows Now, which tests may
// replace to move time forward.
type Fake struct {
	mu      sync.Mutex
	entries map[string]entry

	FailGet    bool
	FailSet    bool
	FailDelete bool

	Gets    int
	Sets    int
	Deletes int

	Now func() time.Time
}

func New() *Fake {
	return &Fake{entries: make(map[string]entry), Now: time.Now}
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++
	if f.FailGet {
		return nil, ErrDown
	}
	e, ok := f.entries[key]
	if !ok || !f.Now().Before(e.expiresAt) {
		return nil, cache.ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (f *Fake) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sets++
	if f.FailSet {
		return ErrDown
	}
	f.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: f.Now().Add(ttl)}
	return nil
}

func (f *Fake) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes++
	if f.FailDelete {
		return ErrDown
	}
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *Fake) Close() error { return nil }

// Has reports whether key holds an unexpired entry, without counting a Get.
func (f *Fake) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return ok && f.Now().Before(e.expiresAt)
}

// TTL returns the remaining lifetime of key, or zero.
func (f *Fake) TTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return 0
	}
	return e.expiresAt.Sub(f.Now())
}

// Drop removes key as if it had been evicted externally.
func (f *Fake) Drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// SetFailing toggles every failure switch at once.
func (f *Fake) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailGet, f.FailSet, f.FailDelete = failing, failing, failing
}
