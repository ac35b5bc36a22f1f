// Package recommend generates ranked book recommendations for a session from
// its preferences, reading history and the last shelf scan.
//
// Candidates come from an ordered chain of strategies (an AI model, then a
// deterministic popularity heuristic). Whatever the source, candidates go
// through the same filtering, dedup and scoring before being upserted per
// (session, book, scan).
package recommend

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

// PreferenceSource reads a session's preferences, cache-aside.
type PreferenceSource interface {
	Preferences(ctx context.Context, sess *models.Session) (*models.Preferences, error)
}

// ScanSource returns cached recognition results.
type ScanSource interface {
	Lookup(ctx context.Context, scanID string) (*models.RecognitionResult, bool)
}

// Observer is told which strategy produced a generation.
type Observer interface {
	RecommendationAttempt(strategy string, err error, elapsed time.Duration)
	RecommendationsGenerated(recType string, count int)
}

type nopObserver struct{}

func (nopObserver) RecommendationAttempt(string, error, time.Duration) {}
func (nopObserver) RecommendationsGenerated(string, int)               {}

// Config tunes generation.
type Config struct {
	MaxRecommendations int
	// RelevanceWeight is w in score = w*relevance + (1-w)*novelty.
	RelevanceWeight float64
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxAllowed       = 50
)

// Request is one generation.
type Request struct {
	Session            *models.Session
	ScanID             string
	MaxRecommendations int
	IncludeSimilar     bool
	IncludeNew         bool
}

// Result is what a generation produced.
type Result struct {
	Recommendations    []models.Recommendation `json:"recommendations"`
	RecommendationType string                  `json:"recommendation_type"`
	Strategy           string                  `json:"strategy"`
	ScanID             string                  `json:"scan_id,omitempty"`
	// ScanFound is false when a scan id was given but its result expired.
	ScanFound bool `json:"scan_found"`
}

// Engine runs the strategy chain and post-processes candidates.
type Engine struct {
	store      storage.Store
	prefs      PreferenceSource
	scans      ScanSource
	strategies []Strategy
	enricher   *books.Enricher
	cfg        Config
	observer   Observer
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithEnricher(en *books.Enricher) Option {
	return func(e *Engine) { e.enricher = en }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store storage.Store, prefs PreferenceSource, scans ScanSource, cfg Config, strategies []Strategy, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		prefs:      prefs,
		scans:      scans,
		strategies: strategies,
		cfg:        cfg,
		observer:   nopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate produces up to MaxRecommendations ranked recommendations. Provider
// failures fall through to the next strategy; a store failure ends the call.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	const op = "recommend.generate"
	if req.Session == nil {
		return nil, apperr.Errorf(apperr.InvalidInput, op, "session is required")
	}
	if !req.IncludeSimilar && !req.IncludeNew {
		return nil, apperr.Errorf(apperr.InvalidInput, op, "include_similar and include_new cannot both be false")
	}
	limit := req.MaxRecommendations
	if limit <= 0 {
		limit = e.cfg.MaxRecommendations
	}
	if limit > maxAllowed {
		return nil, apperr.Errorf(apperr.InvalidInput, op, "max_recommendations must be <= %d", maxAllowed)
	}

	prefs, err := e.prefs.Preferences(ctx, req.Session)
	if err != nil {
		return nil, err
	}

	result := &Result{ScanID: req.ScanID}
	var shelf []models.RecognizedBook
	if req.ScanID != "" {
		scan, ok := e.scans.Lookup(ctx, req.ScanID)
		switch {
		case !ok:
			slog.Info("Scan result expired, generating without it", "scan_id", req.ScanID)
		case scan.SessionID != uuid.Nil && scan.SessionID != req.Session.ID:
			slog.Warn("Ignoring scan from another session", "scan_id", req.ScanID)
		default:
			shelf = scan.Books
			result.ScanFound = true
		}
	}

	in := &Input{
		Preferences:    prefs,
		Shelf:          shelf,
		Count:          limit,
		IncludeSimilar: req.IncludeSimilar,
		IncludeNew:     req.IncludeNew,
		Favorites:      normalize.Genres(prefs.FavoriteGenres),
		Disliked:       normalize.Genres(prefs.DislikedGenres),
	}

	rejected, err := e.store.RejectedBookIDs(ctx, req.Session.ID)
	if err != nil {
		return nil, err
	}

	var (
		picked   []Candidate
		strategy Strategy
	)
	for _, s := range e.strategies {
		t0 := time.Now()
		candidates, err := s.Attempt(ctx, in)
		e.observer.RecommendationAttempt(s.Name(), err, time.Since(t0))
		if err != nil {
			if apperr.Is(err, apperr.StoreUnavailable) || ctx.Err() != nil {
				return nil, err
			}
			slog.Warn("Recommendation strategy failed, trying next", "strategy", s.Name(), "err", err)
			continue
		}
		picked, strategy = candidates, s
		break
	}
	if strategy == nil {
		return nil, apperr.Errorf(apperr.ProviderUnavailable, op, "every recommendation strategy failed")
	}
	result.Strategy = strategy.Name()
	result.RecommendationType = strategy.Type()

	picked = e.filter(in, picked, rejected)
	if strategy.Type() == models.RecommendationAI {
		e.enrich(ctx, picked)
	}
	ranked := e.rank(in, picked, limit)

	recs := make([]models.Recommendation, 0, len(ranked))
	for _, c := range ranked {
		rec, err := e.store.UpsertRecommendation(ctx, &models.Recommendation{
			SessionID:          req.Session.ID,
			BookID:             c.candidate.Book.ID,
			ScanContext:        req.ScanID,
			Reason:             c.candidate.Reason,
			Score:              c.score,
			Relevance:          c.candidate.Relevance,
			Novelty:            c.novelty,
			RecommendationType: strategy.Type(),
			SourceBooks:        c.candidate.SourceBooks,
		})
		if err != nil {
			return nil, err
		}
		rec.Book = c.candidate.Book
		recs = append(recs, *rec)
	}
	result.Recommendations = recs

	e.observer.RecommendationsGenerated(strategy.Type(), len(recs))
	slog.Info("Generated recommendations",
		"session", req.Session.ID,
		"scan_id", req.ScanID,
		"strategy", strategy.Name(),
		"type", strategy.Type(),
		"count", len(recs))
	return result, nil
}

// filter drops books the reader already read, owns on the scanned shelf,
// dislikes or rejected before, and keeps one candidate per canonical book.
func (e *Engine) filter(in *Input, candidates []Candidate, rejected map[uuid.UUID]bool) []Candidate {
	readKeys := make(map[string]bool)
	readISBNs := make(map[string]bool)
	for _, h := range in.Preferences.ReadingHistory {
		readKeys[h.Key()] = true
		if isbn, ok := normalize.ISBN13(h.ISBN); ok {
			readISBNs[isbn] = true
		}
	}
	shelfTitles := make(map[string]bool)
	for _, b := range in.Shelf {
		shelfTitles[normalize.Key(b.Title)] = true
	}

	seen := make(map[uuid.UUID]int)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		b := c.Book
		switch {
		case b == nil:
			continue
		case readKeys[b.TitleKey()] || readKeys[b.NormTitle+"|"]:
			continue
		case b.ISBN13 != nil && readISBNs[*b.ISBN13]:
			continue
		case shelfTitles[b.NormTitle]:
			continue
		case rejected[b.ID]:
			continue
		case len(in.Disliked) > 0 && b.InGenres(in.Disliked):
			continue
		case len(in.Favorites) > 0 && !in.IncludeNew && !b.InGenres(in.Favorites):
			continue
		case len(in.Favorites) > 0 && !in.IncludeSimilar && b.InGenres(in.Favorites):
			continue
		}

		if i, dup := seen[b.ID]; dup {
			if c.Relevance > out[i].Relevance {
				c.SourceBooks = mergeSources(out[i].SourceBooks, c.SourceBooks)
				out[i] = c
			} else {
				out[i].SourceBooks = mergeSources(out[i].SourceBooks, c.SourceBooks)
			}
			continue
		}
		seen[b.ID] = len(out)
		out = append(out, c)
	}
	return out
}

func (e *Engine) enrich(ctx context.Context, candidates []Candidate) {
	if e.enricher == nil {
		return
	}
	list := make([]*models.Book, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, c.Book)
	}
	if n := e.enricher.Enrich(ctx, list); n > 0 {
		slog.Debug("Enriched recommended books", "count", n)
	}
}

type scored struct {
	candidate Candidate
	novelty   float64
	score     float64
}

// rank blends relevance with novelty, sorts by score with the catalog rating
// breaking ties, and keeps the top limit.
func (e *Engine) rank(in *Input, candidates []Candidate, limit int) []scored {
	w := e.cfg.RelevanceWeight
	openness := in.Preferences.Openness()

	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		novelty := Novelty(c.Book, in.Favorites, openness)
		out = append(out, scored{
			candidate: c,
			novelty:   novelty,
			score:     w*c.Relevance + (1-w)*novelty,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].candidate.Book.Rating() > out[j].candidate.Book.Rating()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Novelty rewards books outside the favorite genres in proportion to
// openness, and books inside them in proportion to 1-openness.
func Novelty(b *models.Book, favorites []string, openness float64) float64 {
	if len(favorites) > 0 && b.InGenres(favorites) {
		return 1 - openness
	}
	return openness
}

func mergeSources(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
