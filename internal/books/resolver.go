// Package books resolves titles coming from AI providers, OCR and imports to
// canonical catalog rows.
package books

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

const (
	titleWeight  = 0.7
	authorWeight = 0.3

	// confidence stored on rows created from an unverified AI answer
	aiAssertedConfidence = 0.5
)

// Candidate is a book as some upstream source described it.
type Candidate struct {
	Title         string
	Author        string
	ISBN          string
	Genre         string
	Description   string
	PublishedYear int
	Source        string
}

// Resolution is the canonical book a candidate resolved to and how.
type Resolution struct {
	Book   *models.Book
	Method string
	Score  float64
}

// Resolver maps candidates to canonical books: exact ISBN first, then a fuzzy
// title and author match, then an insert-or-fetch of a provisional row.
type Resolver struct {
	store     storage.Store
	threshold float64
}

func NewResolver(store storage.Store, threshold float64) *Resolver {
	return &Resolver{store: store, threshold: threshold}
}

func (r *Resolver) Resolve(ctx context.Context, c Candidate) (*Resolution, error) {
	if strings.TrimSpace(c.Title) == "" {
		return nil, apperr.Errorf(apperr.InvalidInput, "books.resolve", "title is required")
	}

	if isbn13, ok := normalize.ISBN13(c.ISBN); ok {
		book, err := r.store.FindBookByISBN(ctx, isbn13)
		switch {
		case err == nil:
			return &Resolution{Book: book, Method: models.ProvenanceExact, Score: 1}, nil
		case !apperr.Is(err, apperr.NotFound):
			return nil, err
		}
	}

	best, score, err := r.fuzzy(ctx, c)
	if err != nil {
		return nil, err
	}
	if best != nil {
		slog.Debug("Fuzzy matched book", "title", c.Title, "match", best.Title, "score", score)
		return &Resolution{Book: best, Method: models.ProvenanceFuzzy, Score: score}, nil
	}

	book := &models.Book{
		Title:           strings.TrimSpace(c.Title),
		Author:          strings.TrimSpace(c.Author),
		Genre:           strings.TrimSpace(c.Genre),
		Description:     c.Description,
		PublishedYear:   c.PublishedYear,
		Provenance:      models.ProvenanceAIAsserted,
		ConfidenceScore: aiAssertedConfidence,
		Source:          c.Source,
	}
	if c.ISBN != "" {
		isbn := c.ISBN
		book.ISBN = &isbn
	}
	book.Canonicalize()

	stored, created, err := r.store.UpsertBook(ctx, book)
	if err != nil {
		return nil, err
	}
	if !created {
		// someone inserted the same dedup key first
		return &Resolution{Book: stored, Method: models.ProvenanceExact, Score: 1}, nil
	}
	slog.Info("Added provisional book", "id", stored.ID, "title", stored.Title, "source", c.Source)
	return &Resolution{Book: stored, Method: models.ProvenanceAIAsserted, Score: aiAssertedConfidence}, nil
}

func (r *Resolver) fuzzy(ctx context.Context, c Candidate) (*models.Book, float64, error) {
	candidates, err := r.store.SearchBooks(ctx, storage.BookQuery{Title: c.Title, Author: c.Author})
	if err != nil {
		return nil, 0, err
	}

	var best *models.Book
	bestScore := 0.0
	for i := range candidates {
		score := MatchScore(c.Title, c.Author, candidates[i].Title, candidates[i].Author)
		if score > bestScore {
			best, bestScore = &candidates[i], score
		}
	}
	if best == nil || bestScore < r.threshold {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

// MatchScore blends title and author similarity. When either side has no
// author only the titles are compared.
func MatchScore(title, author, otherTitle, otherAuthor string) float64 {
	t := normalize.Similarity(title, otherTitle)
	if strings.TrimSpace(author) == "" || strings.TrimSpace(otherAuthor) == "" {
		return t
	}
	return titleWeight*t + authorWeight*normalize.Similarity(author, otherAuthor)
}
