package recognition

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/ocr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

// Strategy is one link of the recognition chain. Attempt makes a single call
// to its provider; retries are the caller's business.
type Strategy interface {
	Name() string
	Role() models.ProviderRole
	Attempt(ctx context.Context, img providers.Image, maxBooks int) ([]models.RecognizedBook, error)
}

// Vision asks a vision-capable model for a structured list of the books on
// the shelf.
type Vision struct {
	Provider     providers.Provider
	ProviderName string
	Model        string
	Timeout      time.Duration
	MaxTokens    int
}

func (v *Vision) Name() string              { return v.ProviderName }
func (v *Vision) Role() models.ProviderRole { return models.ProviderPrimary }

func (v *Vision) Attempt(ctx context.Context, img providers.Image, maxBooks int) ([]models.RecognizedBook, error) {
	ctx, cancel := withTimeout(ctx, v.Timeout)
	defer cancel()

	resp, err := v.Provider.ExtractText(ctx, providers.Config{
		Model:       v.Model,
		Temperature: 0.1,
		Prompt:      visionPrompt(maxBooks),
		Images:      []providers.Image{img},
		MaxTokens:   v.MaxTokens,
	})
	if err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, "recognition.vision", err)
	}

	books, err := ParseVisionResponse(resp)
	if err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, "recognition.vision", err)
	}
	return books, nil
}

type visionBook struct {
	Title      string   `json:"title"`
	Author     string   `json:"author"`
	Confidence *float64 `json:"confidence"`
}

// ParseVisionResponse reads the model answer, either a bare JSON array or an
// object with a "books" array. Confidences are clamped to [0, 1], a missing
// confidence counts as 0.5 and entries without a title are dropped.
func ParseVisionResponse(resp string) ([]models.RecognizedBook, error) {
	var raw []visionBook
	if err := providers.DecodeJSON(resp, &raw); err != nil {
		var wrapped struct {
			Books []visionBook `json:"books"`
		}
		if werr := providers.DecodeJSON(resp, &wrapped); werr != nil || wrapped.Books == nil {
			return nil, fmt.Errorf("malformed vision response: %w", err)
		}
		raw = wrapped.Books
	}

	books := make([]models.RecognizedBook, 0, len(raw))
	for _, b := range raw {
		title := strings.TrimSpace(b.Title)
		if title == "" {
			continue
		}
		confidence := 0.5
		if b.Confidence != nil {
			confidence = clamp(*b.Confidence)
		}
		books = append(books, models.RecognizedBook{
			Title:      title,
			Author:     strings.TrimSpace(b.Author),
			Confidence: confidence,
			Position:   &models.ShelfPosition{Index: len(books)},
		})
	}
	return books, nil
}

// OCR reads raw text with an OCR engine and segments it into candidates.
// Its confidences are multiplied by Discount because they come from pattern
// matching rather than classification.
type OCR struct {
	Provider     ocr.Provider
	ProviderName string
	Timeout      time.Duration
	Discount     float64
}

func (o *OCR) Name() string              { return o.ProviderName }
func (o *OCR) Role() models.ProviderRole { return models.ProviderFallback }

func (o *OCR) Attempt(ctx context.Context, img providers.Image, _ int) ([]models.RecognizedBook, error) {
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	res, err := o.Provider.DetectText(ctx, img)
	if err != nil {
		return nil, apperr.E(apperr.ProviderUnavailable, "recognition.ocr", err)
	}

	books := ocr.Segment(res)
	for i := range books {
		books[i].Confidence = clamp(books[i].Confidence * o.Discount)
	}
	return books, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func visionPrompt(maxBooks int) string {
	return fmt.Sprintf(`You are an expert librarian. Identify up to %d books on the bookshelf in this image.

For each book whose spine you can clearly read, provide:
1. Title (exactly as shown on the spine)
2. Author (if visible, otherwise null)
3. Confidence from 0.0 to 1.0 that the identification is correct

RULES:
- Only identify books where you can clearly read the title
- Do not guess or make up titles
- Use lower confidence for partially legible text
- List books left to right, top shelf first

Return ONLY a JSON array in this format:
[
  {"title": "Book Title", "author": "Author Name", "confidence": 0.95}
]`, maxBooks)
}
