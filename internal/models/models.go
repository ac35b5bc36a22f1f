package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"gorm.io/datatypes"
)

// SessionState is derived from a Session's fields, never stored.
type SessionState string

const (
	StateActive         SessionState = "active"
	StateExtendedActive SessionState = "extended_active"
	StateExpired        SessionState = "expired"
	StateLoggedOut      SessionState = "logged_out"
)

const (
	EndReasonLogout  = "logout"
	EndReasonExpired = "expired"
)

// Session represents a device-scoped discovery session
type Session struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Token        string     `gorm:"uniqueIndex;size:64;not null" json:"token"`
	DeviceID     string     `gorm:"index;size:255" json:"device_id"`
	UserAgent    string     `json:"user_agent,omitempty"`
	IPAddress    string     `gorm:"size:64" json:"ip_address,omitempty"`
	Name         string     `json:"name,omitempty"`
	Email        string     `json:"email,omitempty"`
	IsActive     bool       `gorm:"index" json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiresAt    time.Time  `gorm:"index" json:"expires_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `gorm:"size:16" json:"end_reason,omitempty"`
	RenewalCount int        `json:"renewal_count"`
}

// State reports where the session is in its lifecycle at now.
func (s *Session) State(now time.Time) SessionState {
	if !s.IsActive {
		if s.EndReason == EndReasonLogout {
			return StateLoggedOut
		}
		return StateExpired
	}
	if !now.Before(s.ExpiresAt) {
		return StateExpired
	}
	if s.RenewalCount > 0 {
		return StateExtendedActive
	}
	return StateActive
}

// Live is true for Active and ExtendedActive sessions.
func (s *Session) Live(now time.Time) bool {
	st := s.State(now)
	return st == StateActive || st == StateExtendedActive
}

// HistoryEntry is one book of an imported reading history
type HistoryEntry struct {
	Title    string   `json:"title" validate:"required,max=500"`
	Author   string   `json:"author,omitempty" validate:"max=255"`
	ISBN     string   `json:"isbn,omitempty"`
	Rating   *float64 `json:"rating,omitempty" validate:"omitempty,gte=0,lte=5"`
	DateRead string   `json:"date_read,omitempty"`
}

// Key identifies the entry for dedup against other history entries and books.
func (h HistoryEntry) Key() string {
	return normalize.Key(h.Title) + "|" + normalize.Key(h.Author)
}

// DefaultOpenness applies when a session never set discovery_openness.
const DefaultOpenness = 0.5

// Preferences are owned 1:1 by a Session
type Preferences struct {
	SessionID               uuid.UUID                         `gorm:"type:uuid;primaryKey" json:"session_id"`
	Session                 *Session                          `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-" validate:"-"`
	FavoriteGenres          datatypes.JSONSlice[string]       `json:"favorite_genres"`
	DislikedGenres          datatypes.JSONSlice[string]       `json:"disliked_genres"`
	FavoriteAuthors         datatypes.JSONSlice[string]       `json:"favorite_authors"`
	DiscoveryOpenness       *float64                          `json:"discovery_openness,omitempty" validate:"omitempty,gte=0,lte=1"`
	PreferredLength         string                            `json:"preferred_length,omitempty" validate:"omitempty,oneof=short medium long any"`
	PreferredPublicationEra string                            `json:"preferred_publication_era,omitempty" validate:"max=50"`
	ReadingFrequency        string                            `json:"reading_frequency,omitempty" validate:"omitempty,oneof=daily weekly monthly occasional"`
	PreferredFormat         string                            `json:"preferred_format,omitempty" validate:"omitempty,oneof=physical ebook audiobook any"`
	ReadingExperience       string                            `json:"reading_experience,omitempty" validate:"omitempty,oneof=beginner intermediate advanced expert"`
	LanguagePreferences     datatypes.JSONSlice[string]       `json:"language_preferences"`
	RecommendationStyle     string                            `json:"recommendation_style,omitempty" validate:"omitempty,oneof=conservative adventurous mixed"`
	ReadingHistory          datatypes.JSONSlice[HistoryEntry] `json:"reading_history" validate:"dive"`
	UpdatedAt               time.Time                         `json:"updated_at"`
}

// Openness returns discovery_openness or DefaultOpenness when unset.
func (p *Preferences) Openness() float64 {
	if p == nil || p.DiscoveryOpenness == nil {
		return DefaultOpenness
	}
	return *p.DiscoveryOpenness
}

// Book provenance values
const (
	ProvenanceExact      = "exact"
	ProvenanceFuzzy      = "fuzzy"
	ProvenanceAIAsserted = "ai_asserted"
	ProvenanceImported   = "imported"
)

// Book is the canonical catalog entity shared across sessions
type Book struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	DedupKey        string                      `gorm:"uniqueIndex;size:512;not null" json:"-"`
	ISBN            *string                     `gorm:"uniqueIndex;size:10" json:"isbn,omitempty"`
	ISBN13          *string                     `gorm:"uniqueIndex;size:13" json:"isbn13,omitempty"`
	Title           string                      `gorm:"not null" json:"title"`
	Author          string                      `json:"author,omitempty"`
	NormTitle       string                      `gorm:"index" json:"-"`
	NormAuthor      string                      `json:"-"`
	Genre           string                      `json:"genre,omitempty"`
	NormGenre       string                      `gorm:"index" json:"-"`
	Categories      datatypes.JSONSlice[string] `json:"categories,omitempty"`
	Description     string                      `json:"description,omitempty"`
	Publisher       string                      `json:"publisher,omitempty"`
	PublishedYear   int                         `json:"published_year,omitempty"`
	PageCount       int                         `json:"page_count,omitempty"`
	Language        string                      `gorm:"size:16" json:"language,omitempty"`
	AverageRating   *float64                    `json:"average_rating,omitempty"`
	RatingsCount    int                         `json:"ratings_count"`
	CoverURL        string                      `json:"cover_url,omitempty"`
	ExternalURL     string                      `json:"external_url,omitempty"`
	Provenance      string                      `gorm:"size:16" json:"provenance"`
	ConfidenceScore float64                     `json:"confidence_score"`
	Source          string                      `gorm:"size:64" json:"source,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// Canonicalize fills the normalized columns and the dedup key. Books with a
// valid ISBN are keyed by ISBN-13, others by normalized title and author.
func (b *Book) Canonicalize() {
	b.NormTitle = normalize.Key(b.Title)
	b.NormAuthor = normalize.Key(b.Author)
	b.NormGenre = normalize.Genre(b.Genre)
	b.Categories = datatypes.JSONSlice[string](normalize.Genres(b.Categories))

	var raw string
	switch {
	case b.ISBN13 != nil:
		raw = *b.ISBN13
	case b.ISBN != nil:
		raw = *b.ISBN
	}
	b.ISBN, b.ISBN13 = nil, nil

	if isbn13, ok := normalize.ISBN13(raw); ok {
		b.ISBN13 = &isbn13
		if isbn10, ok := normalize.ISBN10(isbn13); ok {
			b.ISBN = &isbn10
		}
		b.DedupKey = "isbn:" + isbn13
		return
	}
	b.DedupKey = "title:" + b.NormTitle + "|" + b.NormAuthor
}

// TitleKey matches HistoryEntry.Key for the same title and author.
func (b *Book) TitleKey() string {
	return b.NormTitle + "|" + b.NormAuthor
}

// InGenres reports whether the book's genre or any category is in genres.
// genres must already be folded.
func (b *Book) InGenres(genres []string) bool {
	for _, g := range genres {
		if b.NormGenre == g {
			return true
		}
		for _, c := range b.Categories {
			if c == g {
				return true
			}
		}
	}
	return false
}

// Rating returns the average rating or 0.
func (b *Book) Rating() float64 {
	if b.AverageRating == nil {
		return 0
	}
	return *b.AverageRating
}

// PopularityDamping is the ratings count at which a rating counts half.
const PopularityDamping = 50

// Popularity is the average rating scaled to [0, 1] and damped by how many
// ratings back it. Stores order by the same expression.
func (b *Book) Popularity() float64 {
	if b.RatingsCount <= 0 {
		return 0
	}
	damping := float64(b.RatingsCount) / float64(b.RatingsCount+PopularityDamping)
	return max(0, min(1, b.Rating()/5)) * damping
}

// Recommendation types
const (
	RecommendationAI        = "ai"
	RecommendationHeuristic = "heuristic"
)

// Interaction types
const (
	InteractionViewed        = "viewed"
	InteractionSaved         = "saved"
	InteractionInterested    = "interested"
	InteractionNotInterested = "not_interested"
	InteractionPurchased     = "purchased"
)

// Recommendation links a Session to a Book. (SessionID, BookID, ScanContext) is unique.
type Recommendation struct {
	ID                 uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID          uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex:idx_recommendation_context,priority:1" json:"session_id"`
	Session            *Session                    `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	BookID             uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex:idx_recommendation_context,priority:2" json:"book_id"`
	Book               *Book                       `gorm:"foreignKey:BookID" json:"book,omitempty"`
	ScanContext        string                      `gorm:"size:64;not null;default:'';uniqueIndex:idx_recommendation_context,priority:3" json:"scan_context"`
	Reason             string                      `json:"reason"`
	Score              float64                     `json:"score"`
	Relevance          float64                     `json:"relevance"`
	Novelty            float64                     `json:"novelty"`
	RecommendationType string                      `gorm:"size:16" json:"recommendation_type"`
	SourceBooks        datatypes.JSONSlice[string] `json:"source_books"`
	IsInterested       *bool                       `json:"is_interested,omitempty"`
	IsSaved            bool                        `json:"is_saved"`
	IsPurchased        bool                        `json:"is_purchased"`
	ViewedAt           *time.Time                  `json:"viewed_at,omitempty"`
	SavedAt            *time.Time                  `json:"saved_at,omitempty"`
	PurchasedAt        *time.Time                  `json:"purchased_at,omitempty"`
	InteractedAt       *time.Time                  `json:"interacted_at,omitempty"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

// Rejected is true once the user marked the recommendation not interesting.
func (r *Recommendation) Rejected() bool {
	return r.IsInterested != nil && !*r.IsInterested
}

// ShelfPosition locates a recognized spine in the photo.
type ShelfPosition struct {
	Index  int `json:"index"`
	X      int `json:"x,omitempty"`
	Y      int `json:"y,omitempty"`
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// RecognizedBook is one candidate read off a shelf photo
type RecognizedBook struct {
	Title      string         `json:"title"`
	Author     string         `json:"author,omitempty"`
	Confidence float64        `json:"confidence"`
	Position   *ShelfPosition `json:"shelf_position,omitempty"`
}

// ProviderRole tells which link of the recognition chain produced a result.
type ProviderRole string

const (
	ProviderPrimary  ProviderRole = "primary"
	ProviderFallback ProviderRole = "fallback"
)

// RecognitionResult is cached under ScanID for a short TTL
type RecognitionResult struct {
	ScanID             string           `json:"scan_id"`
	SessionID          uuid.UUID        `json:"session_id"`
	Books              []RecognizedBook `json:"books"`
	Provider           ProviderRole     `json:"provider"`
	ProviderName       string           `json:"provider_name"`
	ProvidersAttempted []string         `json:"providers_attempted"`
	Partial            bool             `json:"partial"`
	Truncated          int              `json:"truncated,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	ProcessingTimeMS   int64            `json:"processing_time_ms"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Titles lists the recognized titles in result order.
func (r *RecognitionResult) Titles() []string {
	titles := make([]string, 0, len(r.Books))
	for _, b := range r.Books {
		titles = append(titles, b.Title)
	}
	return titles
}
