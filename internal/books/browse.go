package books

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
	"github.com/lehigh-university-libraries/shelfscanner/internal/validation"
)

const defaultBrowseLimit = 20

// Browser answers read-only catalog queries. Results are most popular first.
type Browser struct {
	store storage.Store
}

func NewBrowser(store storage.Store) *Browser {
	return &Browser{store: store}
}

// SearchRequest matches Query against titles and authors.
type SearchRequest struct {
	Query string `validate:"min=2"`
	Limit int    `validate:"gte=0,lte=50"`
}

// ListRequest pages through the catalog, optionally narrowed by genre or
// author.
type ListRequest struct {
	Genre  string
	Author string
	Limit  int `validate:"gte=0,lte=100"`
	Offset int `validate:"gte=0"`
}

type facetRequest struct {
	Limit int `validate:"gte=0,lte=50"`
}

func (b *Browser) Search(ctx context.Context, req SearchRequest) ([]models.Book, error) {
	req.Query = strings.TrimSpace(req.Query)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	return b.store.BrowseBooks(ctx, storage.CatalogQuery{Text: req.Query, Limit: limitOr(req.Limit)})
}

func (b *Browser) List(ctx context.Context, req ListRequest) ([]models.Book, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	return b.store.BrowseBooks(ctx, storage.CatalogQuery{
		Genre:  strings.TrimSpace(req.Genre),
		Author: strings.TrimSpace(req.Author),
		Limit:  limitOr(req.Limit),
		Offset: req.Offset,
	})
}

// Get returns one book; an unknown id is apperr.NotFound.
func (b *Browser) Get(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	return b.store.GetBook(ctx, id)
}

func (b *Browser) PopularGenres(ctx context.Context, limit int) ([]storage.Facet, error) {
	if err := validation.Struct(facetRequest{Limit: limit}); err != nil {
		return nil, err
	}
	return b.store.TopGenres(ctx, limitOr(limit))
}

func (b *Browser) PopularAuthors(ctx context.Context, limit int) ([]storage.Facet, error) {
	if err := validation.Struct(facetRequest{Limit: limit}); err != nil {
		return nil, err
	}
	return b.store.TopAuthors(ctx, limitOr(limit))
}

func limitOr(limit int) int {
	if limit <= 0 {
		return defaultBrowseLimit
	}
	return limit
}
