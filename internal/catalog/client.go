// Package catalog looks up bibliographic metadata in an external catalog
// (Open Library) to fill covers, ratings and subjects the AI did not supply.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Metadata is what the external catalog knows about one book.
type Metadata struct {
	Title         string   `json:"title"`
	Author        string   `json:"author,omitempty"`
	ISBN13        string   `json:"isbn13,omitempty"`
	Subjects      []string `json:"subjects,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	PublishedYear int      `json:"published_year,omitempty"`
	PageCount     int      `json:"page_count,omitempty"`
	Language      string   `json:"language,omitempty"`
	AverageRating *float64 `json:"average_rating,omitempty"`
	RatingsCount  int      `json:"ratings_count,omitempty"`
	CoverURL      string   `json:"cover_url,omitempty"`
	ExternalURL   string   `json:"external_url,omitempty"`
}

// Lookup finds metadata by ISBN or by title and author. A book the catalog
// does not know yields an apperr.NotFound error.
type Lookup interface {
	LookupISBN(ctx context.Context, isbn13 string) (*Metadata, error)
	Search(ctx context.Context, title, author string) (*Metadata, error)
}

const defaultCoversURL = "https://covers.openlibrary.org"

// Client queries the Open Library search API.
type Client struct {
	BaseURL    string
	CoversURL  string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[*Metadata]
}

// NewClient creates a new Open Library client
func NewClient(baseURL string, timeout time.Duration, breaker providers.BreakerSettings) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		CoversURL: defaultCoversURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: providers.NewBreaker[*Metadata]("openlibrary", breaker),
	}
}

// searchResponse is the subset of /search.json we use
type searchResponse struct {
	NumFound int `json:"numFound"`
	Docs     []struct {
		Key              string   `json:"key"`
		Title            string   `json:"title"`
		AuthorName       []string `json:"author_name"`
		ISBN             []string `json:"isbn"`
		FirstPublishYear int      `json:"first_publish_year"`
		Publisher        []string `json:"publisher"`
		NumberOfPages    int      `json:"number_of_pages_median"`
		Language         []string `json:"language"`
		Subject          []string `json:"subject"`
		CoverID          int      `json:"cover_i"`
		RatingsAverage   float64  `json:"ratings_average"`
		RatingsCount     int      `json:"ratings_count"`
	} `json:"docs"`
}

const searchFields = "key,title,author_name,isbn,first_publish_year,publisher,number_of_pages_median,language,subject,cover_i,ratings_average,ratings_count"

func (c *Client) LookupISBN(ctx context.Context, isbn13 string) (*Metadata, error) {
	q := url.Values{}
	q.Set("isbn", isbn13)
	return c.search(ctx, "catalog.lookup_isbn", q)
}

func (c *Client) Search(ctx context.Context, title, author string) (*Metadata, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperr.Errorf(apperr.InvalidInput, "catalog.search", "title is required")
	}
	q := url.Values{}
	q.Set("title", title)
	if author != "" {
		q.Set("author", author)
	}
	return c.search(ctx, "catalog.search", q)
}

func (c *Client) search(ctx context.Context, op string, q url.Values) (*Metadata, error) {
	q.Set("limit", "1")
	q.Set("fields", searchFields)
	searchURL := fmt.Sprintf("%s/search.json?%s", c.BaseURL, q.Encode())

	// a miss is a successful call as far as the breaker is concerned
	md, err := c.cb.Execute(func() (*Metadata, error) {
		return c.fetch(ctx, searchURL)
	})
	if err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, op, err)
	}
	if md == nil {
		return nil, apperr.E(apperr.NotFound, op, nil)
	}
	return md, nil
}

func (c *Client) fetch(ctx context.Context, searchURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query Open Library: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("open Library API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode Open Library response: %w", err)
	}
	if len(result.Docs) == 0 {
		return nil, nil
	}

	doc := result.Docs[0]
	md := &Metadata{
		Title:         doc.Title,
		PublishedYear: doc.FirstPublishYear,
		PageCount:     doc.NumberOfPages,
		RatingsCount:  doc.RatingsCount,
	}
	if len(doc.AuthorName) > 0 {
		md.Author = doc.AuthorName[0]
	}
	for _, isbn := range doc.ISBN {
		if isbn13, ok := normalize.ISBN13(isbn); ok {
			md.ISBN13 = isbn13
			break
		}
	}
	if len(doc.Publisher) > 0 {
		md.Publisher = doc.Publisher[0]
	}
	if len(doc.Language) > 0 {
		md.Language = doc.Language[0]
	}
	if len(doc.Subject) > 0 {
		md.Subjects = doc.Subject[:min(len(doc.Subject), 10)]
	}
	if doc.RatingsCount > 0 {
		rating := doc.RatingsAverage
		md.AverageRating = &rating
	}
	if doc.CoverID > 0 {
		md.CoverURL = c.CoversURL + "/b/id/" + strconv.Itoa(doc.CoverID) + "-L.jpg"
	}
	if doc.Key != "" {
		md.ExternalURL = c.BaseURL + doc.Key
	}
	return md, nil
}
