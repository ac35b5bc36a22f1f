// Package cache provides the fast key/value layer that sits in front of the
// authoritative store. Entries are opaque bytes with a TTL; nothing here is
// transactional.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a key to value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Key namespaces
const (
	SessionPrefix     = "session:"
	PreferencesPrefix = "prefs:"
	ScanPrefix        = "scan:"
	CatalogPrefix     = "catalog:"
)
