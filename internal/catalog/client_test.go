package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache/cachetest"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

const hobbitResponse = `{
  "numFound": 1,
  "docs": [{
    "key": "/works/OL27482W",
    "title": "The Hobbit",
    "author_name": ["J.R.R. Tolkien"],
    "isbn": ["not-an-isbn", "0261102214"],
    "first_publish_year": 1937,
    "publisher": ["Allen & Unwin"],
    "number_of_pages_median": 310,
    "language": ["eng"],
    "subject": ["Fantasy", "Dragons"],
    "cover_i": 12345,
    "ratings_average": 4.3,
    "ratings_count": 900
  }]
}`

func newServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/search.json" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		switch {
		case q.Get("title") == "The Hobbit" || q.Get("isbn") == "9780261102217":
			_, _ = w.Write([]byte(hobbitResponse))
		case q.Get("title") == "boom":
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"numFound": 0, "docs": []}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSearch(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls)
	c := NewClient(srv.URL, 5*time.Second, providers.BreakerSettings{Failures: 5, OpenTimeout: time.Second})
	c.CoversURL = "https://covers.example"

	md, err := c.Search(context.Background(), "The Hobbit", "Tolkien")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if md.Author != "J.R.R. Tolkien" {
		t.Errorf("Expected author J.R.R. Tolkien, got %q", md.Author)
	}
	if md.ISBN13 != "9780261102217" {
		t.Errorf("Expected first valid ISBN converted to 13 digits, got %q", md.ISBN13)
	}
	if md.CoverURL != "https://covers.example/b/id/12345-L.jpg" {
		t.Errorf("Unexpected cover URL %q", md.CoverURL)
	}
	if md.AverageRating == nil || *md.AverageRating != 4.3 || md.RatingsCount != 900 {
		t.Errorf("Unexpected rating %v (%d)", md.AverageRating, md.RatingsCount)
	}
	if md.ExternalURL != srv.URL+"/works/OL27482W" {
		t.Errorf("Unexpected external URL %q", md.ExternalURL)
	}
}

func TestClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls)
	c := NewClient(srv.URL, 5*time.Second, providers.BreakerSettings{Failures: 5, OpenTimeout: time.Second})

	tests := []struct {
		name  string
		title string
		kind  apperr.Kind
	}{
		{"unknown title", "No Such Book", apperr.NotFound},
		{"upstream failure", "boom", apperr.ProviderUnavailable},
		{"empty title", " ", apperr.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Search(context.Background(), tt.title, "")
			if apperr.KindOf(err) != tt.kind {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls)
	c := NewClient(srv.URL, 5*time.Second, providers.BreakerSettings{Failures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		_, _ = c.Search(ctx, "boom", "")
	}
	before := calls.Load()
	_, err := c.Search(ctx, "The Hobbit", "")
	if !apperr.Is(err, apperr.ProviderUnavailable) {
		t.Errorf("Expected open circuit to fail fast, got %v", err)
	}
	if calls.Load() != before {
		t.Errorf("Expected no request while the circuit is open")
	}
}

func TestCachedMemoizesHitsAndMisses(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls)
	fake := cachetest.New()
	lookup := NewCached(
		NewClient(srv.URL, 5*time.Second, providers.BreakerSettings{}),
		consistency.New(fake, time.Second),
		24*time.Hour,
	)
	ctx := context.Background()

	for range 2 {
		if _, err := lookup.LookupISBN(ctx, "9780261102217"); err != nil {
			t.Fatalf("LookupISBN failed: %v", err)
		}
		if _, err := lookup.Search(ctx, "Unknown Title", "Nobody"); !apperr.Is(err, apperr.NotFound) {
			t.Fatalf("Expected NotFound, got %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", calls.Load())
	}
	if ttl := fake.TTL("catalog:isbn:9780261102217"); ttl <= 23*time.Hour {
		t.Errorf("Expected a 24h entry, got %s", ttl)
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls)
	lookup := NewCached(
		NewClient(srv.URL, 5*time.Second, providers.BreakerSettings{Failures: 10}),
		consistency.New(cachetest.New(), time.Second),
		time.Hour,
	)

	for range 2 {
		if _, err := lookup.Search(context.Background(), "boom", ""); !apperr.Is(err, apperr.ProviderUnavailable) {
			t.Fatalf("Expected ProviderUnavailable, got %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("Expected every failure to reach upstream, got %d calls", calls.Load())
	}
}
