package recommend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

type fakeProvider struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (f *fakeProvider) ExtractText(_ context.Context, config providers.Config) (string, error) {
	f.calls++
	f.prompt = config.Prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type staticPrefs struct {
	prefs *models.Preferences
}

func (s staticPrefs) Preferences(context.Context, *models.Session) (*models.Preferences, error) {
	return s.prefs, nil
}

type scanMap map[string]*models.RecognitionResult

func (m scanMap) Lookup(_ context.Context, scanID string) (*models.RecognitionResult, bool) {
	r, ok := m[scanID]
	return r, ok
}

type fixture struct {
	store    *storage.Memory
	provider *fakeProvider
	engine   *Engine
	session  *models.Session
	prefs    *models.Preferences
	scans    scanMap
}

func newFixture(t *testing.T, prefs *models.Preferences) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		provider: &fakeProvider{err: errors.New("status 500")},
		prefs:    prefs,
		scans:    scanMap{},
	}
	f.session = &models.Session{Token: "token", IsActive: true, ExpiresAt: time.Now().Add(time.Hour)}
	if err := f.store.CreateSession(context.Background(), f.session); err != nil {
		t.Fatal(err)
	}
	f.prefs.SessionID = f.session.ID

	f.engine = New(f.store, staticPrefs{f.prefs}, f.scans, Config{MaxRecommendations: 10, RelevanceWeight: 0.7}, []Strategy{
		&AI{Provider: f.provider, ProviderName: "openai", Timeout: time.Second, Resolver: books.NewResolver(f.store, 0.85)},
		&Heuristic{Store: f.store},
	})
	return f
}

func (f *fixture) addBook(t *testing.T, title, author, genre string, rating float64, count int) *models.Book {
	t.Helper()
	b, _, err := f.store.UpsertBook(context.Background(), books.Record{
		Title: title, Author: author, Genre: genre, AverageRating: rating, RatingsCount: count,
	}.Book())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fixture) generate(t *testing.T, req Request) *Result {
	t.Helper()
	if req.Session == nil {
		req.Session = f.session
	}
	res, err := f.engine.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return res
}

func openness(v float64) *float64 { return &v }

func titles(recs []models.Recommendation) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Book.Title)
	}
	return out
}

func TestHeuristicPrefersFavoriteOverDislikedGenre(t *testing.T) {
	f := newFixture(t, &models.Preferences{
		FavoriteGenres:    []string{"mystery"},
		DislikedGenres:    []string{"romance"},
		DiscoveryOpenness: openness(0.1),
	})
	f.addBook(t, "The Big Sleep", "Raymond Chandler", "Mystery", 4.5, 1000)
	f.addBook(t, "Pride and Prejudice", "Jane Austen", "Romance", 4.8, 5000)

	res := f.generate(t, Request{IncludeSimilar: true, IncludeNew: true})
	if res.RecommendationType != models.RecommendationHeuristic {
		t.Errorf("Expected heuristic type, got %s", res.RecommendationType)
	}
	got := titles(res.Recommendations)
	if len(got) != 1 || got[0] != "The Big Sleep" {
		t.Errorf("Expected only the mystery book, got %v", got)
	}
	for _, r := range res.Recommendations {
		if r.RecommendationType != models.RecommendationHeuristic {
			t.Errorf("Expected every row tagged heuristic, got %s", r.RecommendationType)
		}
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	f := newFixture(t, &models.Preferences{FavoriteGenres: []string{"fantasy"}})
	f.addBook(t, "The Hobbit", "J.R.R. Tolkien", "Fantasy", 4.3, 900)
	f.addBook(t, "Mistborn", "Brandon Sanderson", "Fantasy", 4.5, 900)
	f.addBook(t, "Uprooted", "Naomi Novik", "Fantasy", 4.3, 900)
	f.addBook(t, "Elantris", "Brandon Sanderson", "Fantasy", 4.0, 10)

	first := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
	for range 3 {
		again := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
		if strings.Join(again, ",") != strings.Join(first, ",") {
			t.Fatalf("Expected %v, got %v", first, again)
		}
	}
	if first[0] != "Mistborn" || first[len(first)-1] != "Elantris" {
		t.Errorf("Expected popularity order, got %v", first)
	}
}

func TestHeuristicSkipsReadingHistory(t *testing.T) {
	f := newFixture(t, &models.Preferences{
		FavoriteGenres: []string{"fantasy"},
		ReadingHistory: []models.HistoryEntry{{Title: "the hobbit"}},
	})
	f.addBook(t, "The Hobbit", "J.R.R. Tolkien", "Fantasy", 4.3, 900)
	f.addBook(t, "Mistborn", "Brandon Sanderson", "Fantasy", 4.5, 900)

	got := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
	if len(got) != 1 || got[0] != "Mistborn" {
		t.Errorf("Expected history to be excluded, got %v", got)
	}
}

const aiAnswer = `[
  {"title": "Gone Girl", "author": "Gillian Flynn", "reason": "Twisty", "similarity_to": "Rebecca", "appeal_score": 0.8, "genre": "Mystery"},
  {"title": "Gone Girl", "author": "Gillian Flynn", "reason": "Again", "similarity_to": "The Secret History", "appeal_score": 0.6, "genre": "Mystery"},
  {"title": "Rebecca", "author": "Daphne du Maurier", "reason": "On your shelf", "appeal_score": 0.9, "genre": "Mystery"},
  {"title": "The Hobbit", "author": "J.R.R. Tolkien", "reason": "Already read", "appeal_score": 0.9, "genre": "Fantasy"},
  {"title": "Outlander", "author": "Diana Gabaldon", "reason": "Romance", "appeal_score": 0.95, "genre": "Romance"},
  {"title": "The Thursday Murder Club", "author": "Richard Osman", "reason": "Cozy", "appeal_score": 0.7, "genre": "Mystery"},
  {"title": "", "author": "Nobody", "appeal_score": 1}
]`

func TestAIPathFiltersAndDedups(t *testing.T) {
	f := newFixture(t, &models.Preferences{
		FavoriteGenres: []string{"mystery"},
		DislikedGenres: []string{"romance"},
		ReadingHistory: []models.HistoryEntry{{Title: "The Hobbit", Author: "J.R.R. Tolkien"}},
	})
	f.provider.err = nil
	f.provider.response = aiAnswer
	f.scans["scan-1"] = &models.RecognitionResult{
		ScanID:    "scan-1",
		SessionID: f.session.ID,
		Books:     []models.RecognizedBook{{Title: "Rebecca", Confidence: 0.9}},
	}

	res := f.generate(t, Request{ScanID: "scan-1", IncludeSimilar: true, IncludeNew: true})
	if res.RecommendationType != models.RecommendationAI || !res.ScanFound {
		t.Errorf("Expected an AI result using the scan, got %+v", res)
	}
	if !strings.Contains(f.provider.prompt, "Rebecca") {
		t.Error("Expected shelf titles in the prompt")
	}

	got := titles(res.Recommendations)
	want := []string{"Gone Girl", "The Thursday Murder Club"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	seen := map[uuid.UUID]bool{}
	for _, r := range res.Recommendations {
		if seen[r.BookID] {
			t.Errorf("Duplicate book %s", r.BookID)
		}
		seen[r.BookID] = true
		if r.ScanContext != "scan-1" {
			t.Errorf("Expected scan context scan-1, got %q", r.ScanContext)
		}
	}
	if src := res.Recommendations[0].SourceBooks; len(src) != 2 {
		t.Errorf("Expected merged source books, got %v", src)
	}
}

func TestRegenerationUpdatesInPlace(t *testing.T) {
	f := newFixture(t, &models.Preferences{FavoriteGenres: []string{"mystery"}})
	f.provider.err = nil
	f.provider.response = aiAnswer

	first := f.generate(t, Request{ScanID: "scan-1", IncludeSimilar: true, IncludeNew: true})
	second := f.generate(t, Request{ScanID: "scan-1", IncludeSimilar: true, IncludeNew: true})

	all, err := f.store.ListRecommendations(context.Background(), f.session.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(first.Recommendations) {
		t.Errorf("Expected %d rows after regeneration, got %d", len(first.Recommendations), len(all))
	}
	if first.Recommendations[0].ID != second.Recommendations[0].ID {
		t.Error("Expected the same row to be updated")
	}
}

func TestExpiredScanIsNotAnError(t *testing.T) {
	f := newFixture(t, &models.Preferences{})
	f.addBook(t, "Dune", "Frank Herbert", "Science Fiction", 4.2, 100)

	res := f.generate(t, Request{ScanID: "gone", IncludeSimilar: true, IncludeNew: true})
	if res.ScanFound {
		t.Error("Expected ScanFound=false")
	}
	if len(res.Recommendations) != 1 {
		t.Errorf("Expected 1 recommendation, got %d", len(res.Recommendations))
	}
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t, &models.Preferences{})
	tests := []struct {
		name string
		req  Request
	}{
		{"nothing included", Request{Session: f.session}},
		{"too many", Request{Session: f.session, IncludeNew: true, MaxRecommendations: 500}},
		{"no session", Request{IncludeNew: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Generate(context.Background(), tt.req)
			if !apperr.Is(err, apperr.InvalidInput) {
				t.Errorf("Expected InvalidInput, got %v", err)
			}
			if f.provider.calls != 0 {
				t.Error("Expected no provider call")
			}
		})
	}
}

func TestOpennessFavorsNewGenres(t *testing.T) {
	f := newFixture(t, &models.Preferences{FavoriteGenres: []string{"mystery"}, DiscoveryOpenness: openness(0.9)})
	f.provider.err = nil
	f.provider.response = `[
	  {"title": "In the Woods", "author": "Tana French", "appeal_score": 0.8, "genre": "Mystery"},
	  {"title": "Project Hail Mary", "author": "Andy Weir", "appeal_score": 0.8, "genre": "Science Fiction"}
	]`

	got := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
	if len(got) != 2 || got[0] != "Project Hail Mary" {
		t.Errorf("Expected the out-of-genre book first, got %v", got)
	}

	got = titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: false}).Recommendations)
	if len(got) != 1 || got[0] != "In the Woods" {
		t.Errorf("Expected only favorite genres without include_new, got %v", got)
	}
}

func TestNovelty(t *testing.T) {
	mystery := &models.Book{NormGenre: "mystery"}
	scifi := &models.Book{NormGenre: "science fiction"}
	favorites := []string{"mystery"}

	if got := Novelty(mystery, favorites, 0.2); got < 0.799 || got > 0.801 {
		t.Errorf("Expected 0.8 for a favorite genre, got %f", got)
	}
	if got := Novelty(scifi, favorites, 0.2); got != 0.2 {
		t.Errorf("Expected 0.2 outside favorites, got %f", got)
	}
}

func TestHeuristicMatchesFavoriteCategories(t *testing.T) {
	f := newFixture(t, &models.Preferences{FavoriteGenres: []string{"mystery"}})
	rating := 4.2
	_, _, err := f.store.UpsertBook(context.Background(), &models.Book{
		Title: "The Secret History", Author: "Donna Tartt", Genre: "Fiction",
		Categories: []string{"Mystery"}, AverageRating: &rating, RatingsCount: 300,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.addBook(t, "Dune", "Frank Herbert", "Science Fiction", 4.5, 900)

	got := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
	if len(got) != 1 || got[0] != "The Secret History" {
		t.Errorf("Expected the book categorized as mystery, got %v", got)
	}
}

func TestHeuristicPoolKeepsBestRated(t *testing.T) {
	f := newFixture(t, &models.Preferences{FavoriteGenres: []string{"mystery"}, DiscoveryOpenness: openness(0.1)})
	f.engine = New(f.store, staticPrefs{f.prefs}, f.scans, Config{MaxRecommendations: 10, RelevanceWeight: 0.7}, []Strategy{
		&Heuristic{Store: f.store, PoolSize: 2},
	})
	f.addBook(t, "Widely Read", "A. Author", "Mystery", 2.0, 2000)
	f.addBook(t, "Often Read", "B. Author", "Mystery", 2.5, 1500)
	f.addBook(t, "Loved", "C. Author", "Mystery", 4.9, 400)

	got := titles(f.generate(t, Request{IncludeSimilar: true, IncludeNew: true}).Recommendations)
	if len(got) != 2 || got[0] != "Loved" || got[1] != "Often Read" {
		t.Errorf("Expected [Loved Often Read], got %v", got)
	}
}
