package books

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/catalog"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
	"golang.org/x/sync/errgroup"
)

const enrichWorkers = 4

// Enricher fills missing covers, ratings and subjects from the external
// catalog. It is best effort: nothing it does can fail the caller.
type Enricher struct {
	store  storage.Store
	lookup catalog.Lookup
}

func NewEnricher(store storage.Store, lookup catalog.Lookup) *Enricher {
	return &Enricher{store: store, lookup: lookup}
}

// NeedsEnrichment is true when the book lacks a cover or a rating.
func NeedsEnrichment(b *models.Book) bool {
	return b.CoverURL == "" || b.AverageRating == nil
}

// Enrich updates books in place and persists the ones that changed. It
// returns how many were updated.
func (e *Enricher) Enrich(ctx context.Context, books []*models.Book) int {
	if e == nil || e.lookup == nil {
		return 0
	}

	var updated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichWorkers)
	for _, b := range books {
		if b == nil || !NeedsEnrichment(b) {
			continue
		}
		g.Go(func() error {
			if e.enrichOne(gctx, b) {
				updated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(updated.Load())
}

func (e *Enricher) enrichOne(ctx context.Context, b *models.Book) bool {
	var (
		md  *catalog.Metadata
		err error
	)
	if b.ISBN13 != nil {
		md, err = e.lookup.LookupISBN(ctx, *b.ISBN13)
	} else {
		md, err = e.lookup.Search(ctx, b.Title, b.Author)
	}
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			slog.Debug("No catalog metadata", "book", b.ID, "title", b.Title)
		} else {
			slog.Warn("Catalog lookup failed", "book", b.ID, "title", b.Title, "err", err)
		}
		return false
	}

	if !apply(b, md) {
		return false
	}
	if err := e.store.UpdateBook(ctx, b); err != nil {
		slog.Warn("Unable to save enriched book", "book", b.ID, "err", err)
		return false
	}
	return true
}

// apply copies metadata into fields that are still empty. Identity fields
// (title, author, ISBN) are never touched.
func apply(b *models.Book, md *catalog.Metadata) bool {
	if md == nil {
		return false
	}
	changed := false
	setString := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 && v != 0 {
			*dst = v
			changed = true
		}
	}

	setString(&b.CoverURL, md.CoverURL)
	setString(&b.ExternalURL, md.ExternalURL)
	setString(&b.Publisher, md.Publisher)
	setString(&b.Language, md.Language)
	setInt(&b.PublishedYear, md.PublishedYear)
	setInt(&b.PageCount, md.PageCount)
	if b.AverageRating == nil && md.AverageRating != nil {
		rating := *md.AverageRating
		b.AverageRating = &rating
		b.RatingsCount = md.RatingsCount
		changed = true
	}
	if len(b.Categories) == 0 && len(md.Subjects) > 0 {
		b.Categories = normalize.Genres(md.Subjects)
		changed = true
	}
	if b.Genre == "" && len(md.Subjects) > 0 {
		b.Genre = md.Subjects[0]
		b.NormGenre = normalize.Genre(b.Genre)
		changed = true
	}
	return changed
}
