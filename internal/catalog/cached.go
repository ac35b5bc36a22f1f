package catalog

import (
	"context"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
)

// entry is what gets cached. Misses are cached too so an unknown title is
// not looked up again until the TTL runs out.
type entry struct {
	Found    bool      `json:"found"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Cached memoizes lookups for ttl. Provider failures are never cached.
type Cached struct {
	next   Lookup
	policy *consistency.Policy
	ttl    time.Duration
}

func NewCached(next Lookup, policy *consistency.Policy, ttl time.Duration) *Cached {
	return &Cached{next: next, policy: policy, ttl: ttl}
}

func (c *Cached) LookupISBN(ctx context.Context, isbn13 string) (*Metadata, error) {
	key := cache.CatalogPrefix + "isbn:" + isbn13
	return c.memo(ctx, key, "catalog.lookup_isbn", func(ctx context.Context) (*Metadata, error) {
		return c.next.LookupISBN(ctx, isbn13)
	})
}

func (c *Cached) Search(ctx context.Context, title, author string) (*Metadata, error) {
	key := cache.CatalogPrefix + "q:" + normalize.Key(title) + "|" + normalize.Key(author)
	return c.memo(ctx, key, "catalog.search", func(ctx context.Context) (*Metadata, error) {
		return c.next.Search(ctx, title, author)
	})
}

func (c *Cached) memo(ctx context.Context, key, op string, lookup func(context.Context) (*Metadata, error)) (*Metadata, error) {
	e, err := consistency.Memo(ctx, c.policy, key, c.ttl, func(ctx context.Context) (*entry, error) {
		md, err := lookup(ctx)
		switch {
		case err == nil:
			return &entry{Found: true, Metadata: md}, nil
		case apperr.Is(err, apperr.NotFound):
			return &entry{}, nil
		default:
			return nil, err
		}
	})
	if err != nil {
		return nil, err
	}
	if !e.Found || e.Metadata == nil {
		return nil, apperr.E(apperr.NotFound, op, nil)
	}
	return e.Metadata, nil
}
