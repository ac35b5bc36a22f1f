package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

// Input is everything a strategy may use to pick candidates.
type Input struct {
	Preferences    *models.Preferences
	Shelf          []models.RecognizedBook
	Count          int
	IncludeSimilar bool
	IncludeNew     bool
	// Favorites and Disliked are folded genre labels.
	Favorites []string
	Disliked  []string
}

// Candidate is a canonical book a strategy proposes, before filtering and
// scoring.
type Candidate struct {
	Book        *models.Book
	Relevance   float64
	Reason      string
	SourceBooks []string
}

// Strategy is one link of the recommendation chain.
type Strategy interface {
	Name() string
	Type() string
	Attempt(ctx context.Context, in *Input) ([]Candidate, error)
}

// AI asks a language model for candidates and resolves each one to a
// canonical book.
type AI struct {
	Provider     providers.Provider
	ProviderName string
	Model        string
	Timeout      time.Duration
	Resolver     *books.Resolver
}

func (a *AI) Name() string { return a.ProviderName }
func (a *AI) Type() string { return models.RecommendationAI }

type aiRecommendation struct {
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	ISBN            string   `json:"isbn"`
	Reason          string   `json:"reason"`
	SimilarityTo    string   `json:"similarity_to"`
	AppealScore     *float64 `json:"appeal_score"`
	Score           *float64 `json:"score"`
	Genre           string   `json:"genre"`
	PublicationYear int      `json:"publication_year"`
}

func (a *AI) Attempt(ctx context.Context, in *Input) ([]Candidate, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.Timeout)
	}
	defer cancel()

	// ask for a few extra to survive filtering
	resp, err := a.Provider.ExtractText(callCtx, providers.Config{
		Model:       a.Model,
		Temperature: 0.3,
		Prompt:      buildPrompt(in, in.Count+5),
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, "recommend.ai", err)
	}

	var raw []aiRecommendation
	if err := providers.DecodeJSON(resp, &raw); err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, "recommend.ai", err)
	}

	var out []Candidate
	for _, r := range raw {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		isbn := r.ISBN
		if strings.EqualFold(isbn, "null") {
			isbn = ""
		}
		res, err := a.Resolver.Resolve(ctx, books.Candidate{
			Title:         r.Title,
			Author:        r.Author,
			ISBN:          isbn,
			Genre:         r.Genre,
			PublishedYear: r.PublicationYear,
			Source:        a.ProviderName,
		})
		if err != nil {
			if apperr.Is(err, apperr.StoreUnavailable) {
				return nil, err
			}
			slog.Warn("Unable to resolve recommended book", "title", r.Title, "err", err)
			continue
		}

		relevance := 0.5
		switch {
		case r.AppealScore != nil:
			relevance = *r.AppealScore
		case r.Score != nil:
			relevance = *r.Score
		}
		reason := strings.TrimSpace(r.Reason)
		if reason == "" {
			reason = "Recommended based on your preferences"
		}
		var sources []string
		if s := strings.TrimSpace(r.SimilarityTo); s != "" && !strings.EqualFold(s, "null") {
			sources = []string{s}
		}
		out = append(out, Candidate{
			Book:        res.Book,
			Relevance:   clamp(relevance),
			Reason:      reason,
			SourceBooks: sources,
		})
	}

	if len(out) == 0 {
		return nil, apperr.Errorf(apperr.ProviderUnavailable, "recommend.ai", "model returned no usable recommendations")
	}
	return out, nil
}

// Heuristic ranks catalog books by damped popularity. It never calls a remote
// provider and returns the same list for the same catalog and preferences.
type Heuristic struct {
	Store    storage.Store
	PoolSize int
}

func (h *Heuristic) Name() string { return "heuristic" }
func (h *Heuristic) Type() string { return models.RecommendationHeuristic }

func (h *Heuristic) Attempt(ctx context.Context, in *Input) ([]Candidate, error) {
	pool := h.PoolSize
	if pool <= 0 {
		pool = 500
	}

	var genres []string
	if in.IncludeSimilar {
		genres = in.Favorites
	}
	catalog, err := h.Store.ListBooksByGenres(ctx, genres, pool)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(catalog))
	for i := range catalog {
		b := &catalog[i]
		if !in.IncludeSimilar && len(in.Favorites) > 0 && b.InGenres(in.Favorites) {
			continue
		}
		out = append(out, Candidate{
			Book:      b,
			Relevance: b.Popularity(),
			Reason:    heuristicReason(b),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Book.ID.String() < out[j].Book.ID.String()
	})
	return out, nil
}

func heuristicReason(b *models.Book) string {
	switch {
	case b.AverageRating != nil && b.Genre != "":
		return fmt.Sprintf("Highly rated %s (%.1f from %d readers)", strings.ToLower(b.Genre), b.Rating(), b.RatingsCount)
	case b.AverageRating != nil:
		return fmt.Sprintf("Highly rated (%.1f from %d readers)", b.Rating(), b.RatingsCount)
	case b.Genre != "":
		return "Popular in " + strings.ToLower(b.Genre)
	default:
		return "Popular with readers"
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
