package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
)

// Memory is a Store kept in process memory. It is safe for concurrent use
// and returns copies, so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	sessions    map[uuid.UUID]*models.Session
	tokens      map[string]uuid.UUID
	preferences map[uuid.UUID]*models.Preferences
	books       map[uuid.UUID]*models.Book
	bookKeys    map[string]uuid.UUID
	bookISBNs   map[string]uuid.UUID
	recs        map[uuid.UUID]*models.Recommendation
	recContexts map[string]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[uuid.UUID]*models.Session),
		tokens:      make(map[string]uuid.UUID),
		preferences: make(map[uuid.UUID]*models.Preferences),
		books:       make(map[uuid.UUID]*models.Book),
		bookKeys:    make(map[string]uuid.UUID),
		bookISBNs:   make(map[string]uuid.UUID),
		recs:        make(map[uuid.UUID]*models.Recommendation),
		recContexts: make(map[string]uuid.UUID),
	}
}

func (m *Memory) CreateSession(ctx context.Context, s *models.Session) error {
	if err := ctx.Err(); err != nil {
		return unavailable("storage.create_session", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, exists := m.tokens[s.Token]; exists {
		return conflict("storage.create_session")
	}
	c := *s
	m.sessions[c.ID] = &c
	m.tokens[c.Token] = c.ID
	return nil
}

func (m *Memory) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.get_session", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokens[token]
	if !ok {
		return nil, notFound("storage.get_session")
	}
	c := *m.sessions[id]
	return &c, nil
}

func (m *Memory) TouchSession(ctx context.Context, s *models.Session) error {
	return m.updateLive(ctx, "storage.touch_session", s.ID, func(stored *models.Session) {
		stored.LastActivity = s.LastActivity
		stored.ExpiresAt = s.ExpiresAt
		stored.RenewalCount = s.RenewalCount
	})
}

func (m *Memory) UpdateSessionProfile(ctx context.Context, s *models.Session) error {
	return m.updateLive(ctx, "storage.update_session_profile", s.ID, func(stored *models.Session) {
		stored.Name = s.Name
		stored.Email = s.Email
	})
}

func (m *Memory) EndSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	err := m.updateLive(ctx, "storage.end_session", id, func(stored *models.Session) {
		ended := at
		stored.IsActive = false
		stored.EndedAt = &ended
		stored.EndReason = reason
	})
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.Expired):
		return false, nil
	default:
		return false, err
	}
}

// updateLive applies fn to the stored session id if it is still active.
func (m *Memory) updateLive(ctx context.Context, op string, id uuid.UUID, fn func(*models.Session)) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[id]
	if !ok {
		return notFound(op)
	}
	if !stored.IsActive {
		return expired(op)
	}
	fn(stored)
	return nil
}

func (m *Memory) ExpireSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.expire_sessions", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []models.Session
	for _, s := range m.sessions {
		if !s.IsActive || s.ExpiresAt.After(now) {
			continue
		}
		ended := now
		s.IsActive = false
		s.EndedAt = &ended
		s.EndReason = models.EndReasonExpired
		expired = append(expired, *s)
	}
	return expired, nil
}

func (m *Memory) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("storage.purge_sessions", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, s := range m.sessions {
		if s.IsActive || s.EndedAt == nil || !s.EndedAt.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		delete(m.tokens, s.Token)
		delete(m.preferences, id)
		for recID, r := range m.recs {
			if r.SessionID == id {
				delete(m.recs, recID)
				delete(m.recContexts, recContextKey(r))
			}
		}
		purged++
	}
	return purged, nil
}

func (m *Memory) GetPreferences(ctx context.Context, sessionID uuid.UUID) (*models.Preferences, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.get_preferences", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.preferences[sessionID]
	if !ok {
		return nil, notFound("storage.get_preferences")
	}
	return clonePreferences(p), nil
}

func (m *Memory) SavePreferences(ctx context.Context, p *models.Preferences) error {
	if err := ctx.Err(); err != nil {
		return unavailable("storage.save_preferences", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[p.SessionID]; !ok {
		return notFound("storage.save_preferences")
	}
	m.preferences[p.SessionID] = clonePreferences(p)
	return nil
}

func (m *Memory) UpsertBook(ctx context.Context, b *models.Book) (*models.Book, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, unavailable("storage.upsert_book", err)
	}
	b.Canonicalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bookKeys[b.DedupKey]; ok {
		return cloneBook(m.books[id]), false, nil
	}
	if b.ISBN != nil {
		if id, ok := m.bookISBNs[*b.ISBN]; ok {
			return cloneBook(m.books[id]), false, nil
		}
	}

	c := cloneBook(b)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.books[c.ID] = c
	m.bookKeys[c.DedupKey] = c.ID
	if c.ISBN != nil {
		m.bookISBNs[*c.ISBN] = c.ID
	}
	return cloneBook(c), true, nil
}

func (m *Memory) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.get_book", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[id]
	if !ok {
		return nil, notFound("storage.get_book")
	}
	return cloneBook(b), nil
}

func (m *Memory) FindBookByISBN(ctx context.Context, isbn13 string) (*models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.find_book_by_isbn", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bookKeys["isbn:"+isbn13]
	if !ok {
		return nil, notFound("storage.find_book_by_isbn")
	}
	return cloneBook(m.books[id]), nil
}

func (m *Memory) SearchBooks(ctx context.Context, q BookQuery) ([]models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.search_books", err)
	}
	token := q.SearchToken()
	if token == "" {
		return nil, nil
	}

	m.mu.RLock()
	var out []models.Book
	for _, b := range m.books {
		if strings.Contains(b.NormTitle, token) {
			out = append(out, *cloneBook(b))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NormTitle != out[j].NormTitle {
			return out[i].NormTitle < out[j].NormTitle
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (m *Memory) ListBooksByGenres(ctx context.Context, genres []string, limit int) ([]models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.list_books_by_genres", err)
	}

	m.mu.RLock()
	var out []models.Book
	for _, b := range m.books {
		if len(genres) == 0 || b.InGenres(genres) {
			out = append(out, *cloneBook(b))
		}
	}
	m.mu.RUnlock()

	sortByPopularity(out)
	return page(out, 0, limit), nil
}

func (m *Memory) BrowseBooks(ctx context.Context, q CatalogQuery) ([]models.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.browse_books", err)
	}
	text, genre, author := normalize.Key(q.Text), normalize.Genre(q.Genre), normalize.Key(q.Author)

	m.mu.RLock()
	var out []models.Book
	for _, b := range m.books {
		if text != "" && !strings.Contains(b.NormTitle, text) && !strings.Contains(b.NormAuthor, text) {
			continue
		}
		if author != "" && !strings.Contains(b.NormAuthor, author) {
			continue
		}
		if genre != "" && !strings.Contains(b.NormGenre, genre) && !slices.Contains(b.Categories, genre) {
			continue
		}
		out = append(out, *cloneBook(b))
	}
	m.mu.RUnlock()

	sortByPopularity(out)
	return page(out, q.Offset, q.browseLimit()), nil
}

func (m *Memory) TopGenres(ctx context.Context, limit int) ([]Facet, error) {
	return m.facets(ctx, "storage.top_genres", limit, func(b *models.Book) string { return b.Genre })
}

func (m *Memory) TopAuthors(ctx context.Context, limit int) ([]Facet, error) {
	return m.facets(ctx, "storage.top_authors", limit, func(b *models.Book) string { return b.Author })
}

func (m *Memory) facets(ctx context.Context, op string, limit int, name func(*models.Book) string) ([]Facet, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(op, err)
	}

	m.mu.RLock()
	counts := make(map[string]int64)
	for _, b := range m.books {
		if n := name(b); n != "" {
			counts[n]++
		}
	}
	m.mu.RUnlock()

	out := make([]Facet, 0, len(counts))
	for n, c := range counts {
		out = append(out, Facet{Name: n, BookCount: c})
	}
	sortFacets(out)
	return page(out, 0, limit), nil
}

func (m *Memory) UpdateBook(ctx context.Context, b *models.Book) error {
	if err := ctx.Err(); err != nil {
		return unavailable("storage.update_book", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.books[b.ID]
	if !ok {
		return notFound("storage.update_book")
	}
	c := cloneBook(b)
	// Identity columns never change after insert.
	c.DedupKey, c.ISBN, c.ISBN13 = existing.DedupKey, existing.ISBN, existing.ISBN13
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	m.books[c.ID] = c
	return nil
}

func (m *Memory) UpsertRecommendation(ctx context.Context, r *models.Recommendation) (*models.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.upsert_recommendation", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[r.SessionID]; !ok {
		return nil, notFound("storage.upsert_recommendation")
	}
	if _, ok := m.books[r.BookID]; !ok {
		return nil, notFound("storage.upsert_recommendation")
	}

	now := time.Now()
	if id, ok := m.recContexts[recContextKey(r)]; ok {
		existing := m.recs[id]
		existing.Reason = r.Reason
		existing.Score = r.Score
		existing.Relevance = r.Relevance
		existing.Novelty = r.Novelty
		existing.RecommendationType = r.RecommendationType
		existing.SourceBooks = slices.Clone(r.SourceBooks)
		existing.UpdatedAt = now
		return m.withBook(existing), nil
	}

	c := cloneRecommendation(r)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Book = nil
	c.CreatedAt, c.UpdatedAt = now, now
	m.recs[c.ID] = c
	m.recContexts[recContextKey(c)] = c.ID
	return m.withBook(c), nil
}

func (m *Memory) GetRecommendation(ctx context.Context, id uuid.UUID) (*models.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.get_recommendation", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.recs[id]
	if !ok {
		return nil, notFound("storage.get_recommendation")
	}
	return m.withBook(r), nil
}

func (m *Memory) SaveRecommendation(ctx context.Context, r *models.Recommendation) error {
	if err := ctx.Err(); err != nil {
		return unavailable("storage.save_recommendation", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[r.ID]; !ok {
		return notFound("storage.save_recommendation")
	}
	c := cloneRecommendation(r)
	c.Book = nil
	c.UpdatedAt = time.Now()
	m.recs[c.ID] = c
	return nil
}

func (m *Memory) ListRecommendations(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.list_recommendations", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Recommendation
	for _, r := range m.recs {
		if r.SessionID == sessionID {
			out = append(out, *m.withBook(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RejectedBookIDs(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("storage.rejected_books", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uuid.UUID]bool)
	for _, r := range m.recs {
		if r.SessionID == sessionID && r.Rejected() {
			out[r.BookID] = true
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	return nil
}

// withBook must be called with the lock held.
func (m *Memory) withBook(r *models.Recommendation) *models.Recommendation {
	c := cloneRecommendation(r)
	if b, ok := m.books[r.BookID]; ok {
		c.Book = cloneBook(b)
	}
	return c
}

func recContextKey(r *models.Recommendation) string {
	return r.SessionID.String() + "|" + r.BookID.String() + "|" + r.ScanContext
}

// sortByPopularity orders by Book.Popularity, then id, matching the SQL store.
func sortByPopularity(books []models.Book) {
	sort.SliceStable(books, func(i, j int) bool {
		pi, pj := books[i].Popularity(), books[j].Popularity()
		if pi != pj {
			return pi > pj
		}
		return books[i].ID.String() < books[j].ID.String()
	})
}

func sortFacets(facets []Facet) {
	sort.Slice(facets, func(i, j int) bool {
		if facets[i].BookCount != facets[j].BookCount {
			return facets[i].BookCount > facets[j].BookCount
		}
		return facets[i].Name < facets[j].Name
	})
}

func page[T any](items []T, offset, limit int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneBook(b *models.Book) *models.Book {
	c := *b
	c.Categories = slices.Clone(b.Categories)
	return &c
}

func clonePreferences(p *models.Preferences) *models.Preferences {
	c := *p
	c.Session = nil
	c.FavoriteGenres = slices.Clone(p.FavoriteGenres)
	c.DislikedGenres = slices.Clone(p.DislikedGenres)
	c.FavoriteAuthors = slices.Clone(p.FavoriteAuthors)
	c.LanguagePreferences = slices.Clone(p.LanguagePreferences)
	c.ReadingHistory = slices.Clone(p.ReadingHistory)
	return &c
}

func cloneRecommendation(r *models.Recommendation) *models.Recommendation {
	c := *r
	c.SourceBooks = slices.Clone(r.SourceBooks)
	return &c
}
