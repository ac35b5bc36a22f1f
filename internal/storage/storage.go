// Package storage is the authoritative store for sessions, preferences,
// books and recommendations.
//
// Every implementation reports a missing row as apperr.NotFound and a backend
// failure as apperr.StoreUnavailable. Book and recommendation writes are
// upserts keyed by their unique columns so concurrent writers converge on one
// row.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
)

// Store is the authoritative store contract.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByToken(ctx context.Context, token string) (*models.Session, error)
	// TouchSession writes the activity columns (last activity, expiry and
	// renewal count) of a live session. A session that has already ended is
	// apperr.Expired and is left untouched.
	TouchSession(ctx context.Context, s *models.Session) error
	// UpdateSessionProfile writes the display name and email of a live
	// session, with the same guard as TouchSession.
	UpdateSessionProfile(ctx context.Context, s *models.Session) error
	// EndSession deactivates a live session with reason. ended reports
	// whether this call ended it; ending an ended session is not an error.
	EndSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (ended bool, err error)
	// ExpireSessions deactivates every active session whose expiry is at or
	// before now and returns them.
	ExpireSessions(ctx context.Context, now time.Time) ([]models.Session, error)
	// PurgeSessions deletes inactive sessions ended before cutoff together
	// with their preferences and recommendations.
	PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error)

	GetPreferences(ctx context.Context, sessionID uuid.UUID) (*models.Preferences, error)
	SavePreferences(ctx context.Context, p *models.Preferences) error

	// UpsertBook inserts b or returns the existing row with the same dedup
	// key. created reports whether b was inserted.
	UpsertBook(ctx context.Context, b *models.Book) (book *models.Book, created bool, err error)
	GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	FindBookByISBN(ctx context.Context, isbn13 string) (*models.Book, error)
	SearchBooks(ctx context.Context, q BookQuery) ([]models.Book, error)
	// ListBooksByGenres returns books whose genre or any category is in
	// genres (all books when genres is empty), most popular first by
	// models.Book.Popularity.
	ListBooksByGenres(ctx context.Context, genres []string, limit int) ([]models.Book, error)
	// BrowseBooks lists catalog books matching q, most popular first.
	BrowseBooks(ctx context.Context, q CatalogQuery) ([]models.Book, error)
	// TopGenres and TopAuthors count books per genre or author, largest
	// first.
	TopGenres(ctx context.Context, limit int) ([]Facet, error)
	TopAuthors(ctx context.Context, limit int) ([]Facet, error)
	UpdateBook(ctx context.Context, b *models.Book) error

	// UpsertRecommendation inserts r or updates the scoring fields of the
	// existing row for the same session, book and scan context, returning
	// the stored row.
	UpsertRecommendation(ctx context.Context, r *models.Recommendation) (*models.Recommendation, error)
	GetRecommendation(ctx context.Context, id uuid.UUID) (*models.Recommendation, error)
	SaveRecommendation(ctx context.Context, r *models.Recommendation) error
	// ListRecommendations returns the newest recommendations first with
	// their books attached.
	ListRecommendations(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Recommendation, error)
	RejectedBookIDs(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// BookQuery selects fuzzy-match candidates for a title and author.
type BookQuery struct {
	Title  string
	Author string
	Limit  int
}

// SearchToken picks the longest normalized word of the title, which every
// candidate's normalized title must contain.
func (q BookQuery) SearchToken() string {
	var best string
	for _, w := range strings.Fields(normalize.Key(q.Title)) {
		if len(w) > len(best) {
			best = w
		}
	}
	if len(best) < 3 {
		return ""
	}
	return best
}

// CatalogQuery filters BrowseBooks. Text matches title or author; Genre
// matches genre or any category; Author matches author. All matches are
// substring matches on folded text.
type CatalogQuery struct {
	Text   string
	Genre  string
	Author string
	Limit  int
	Offset int
}

// Facet is one genre or author with the number of catalog books carrying it.
type Facet struct {
	Name      string `json:"name"`
	BookCount int64  `json:"book_count"`
}

func (q BookQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

func expired(op string) error {
	return apperr.E(apperr.Expired, op, nil)
}

// browseLimit defaults to 20 rows.
func (q CatalogQuery) browseLimit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func notFound(op string) error {
	return apperr.E(apperr.NotFound, op, nil)
}

func conflict(op string) error {
	return apperr.E(apperr.Conflict, op, nil)
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.E(apperr.StoreUnavailable, op, err)
}
