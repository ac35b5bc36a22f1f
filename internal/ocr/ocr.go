// Package ocr reads raw text off shelf photos and turns it into book
// candidates with a deterministic line heuristic.
package ocr

import (
	"context"

	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Bounds is an axis-aligned box in image pixels.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Block is a run of text the OCR engine grouped together.
type Block struct {
	Text   string  `json:"text"`
	Bounds *Bounds `json:"bounds,omitempty"`
}

// Result is the raw OCR output for one image.
type Result struct {
	FullText string  `json:"full_text"`
	Blocks   []Block `json:"blocks,omitempty"`
}

// Provider extracts text blocks from an image.
type Provider interface {
	DetectText(ctx context.Context, img providers.Image) (*Result, error)
}

type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[*Result]
}

// NewBreaker guards p with a circuit breaker named name.
func NewBreaker(name string, p Provider, s providers.BreakerSettings) Provider {
	return &breakerProvider{next: p, cb: providers.NewBreaker[*Result](name, s)}
}

func (b *breakerProvider) DetectText(ctx context.Context, img providers.Image) (*Result, error) {
	return b.cb.Execute(func() (*Result, error) {
		return b.next.DetectText(ctx, img)
	})
}
