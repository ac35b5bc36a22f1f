// Package recognition turns a shelf photo into recognized books by trying a
// chain of providers in order: an AI vision model first, OCR plus a text
// heuristic as fallback.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

// Observer is told about every provider attempt.
type Observer interface {
	RecognitionAttempt(provider string, role models.ProviderRole, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RecognitionAttempt(string, models.ProviderRole, error, time.Duration) {}

// Config holds the orchestrator limits.
type Config struct {
	MaxImageBytes int64
	MaxBooks      int
	ScanTTL       time.Duration
}

// Request is one scan.
type Request struct {
	SessionID uuid.UUID
	// ScanID is generated when empty.
	ScanID      string
	Image       []byte
	MaxBooks    int
	UseFallback bool
}

// Orchestrator runs the strategy chain and caches results under their scan id.
type Orchestrator struct {
	strategies []Strategy
	policy     *consistency.Policy
	cfg        Config
	observer   Observer
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithObserver(o Observer) Option {
	return func(or *Orchestrator) {
		if o != nil {
			or.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(policy *consistency.Policy, cfg Config, strategies []Strategy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		strategies: strategies,
		policy:     policy,
		cfg:        cfg,
		observer:   nopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ScanKey is the cache key of a scan result.
func ScanKey(scanID string) string {
	return cache.ScanPrefix + scanID
}

// Validate checks image against the configured size limit and allowed
// types without starting a scan.
func (o *Orchestrator) Validate(image []byte) error {
	_, err := ValidateImage(image, o.cfg.MaxImageBytes)
	return err
}

// Recognize validates the image, then tries each strategy once in order.
// Fallback strategies only run when req.UseFallback is set.
//
// If ctx ends before the chain finishes, Recognize returns immediately; the
// chain keeps running in the background and its result is still cached under
// the scan id.
func (o *Orchestrator) Recognize(ctx context.Context, req Request) (*models.RecognitionResult, error) {
	img, err := ValidateImage(req.Image, o.cfg.MaxImageBytes)
	if err != nil {
		return nil, err
	}

	maxBooks := req.MaxBooks
	if maxBooks <= 0 || (o.cfg.MaxBooks > 0 && maxBooks > o.cfg.MaxBooks) {
		maxBooks = o.cfg.MaxBooks
	}
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}

	type outcome struct {
		res *models.RecognitionResult
		err error
	}
	done := make(chan outcome, 1)
	bg := context.WithoutCancel(ctx)

	go func() {
		res, err := o.run(bg, req, img, maxBooks)
		if err == nil {
			o.policy.Put(bg, ScanKey(res.ScanID), res, o.cfg.ScanTTL)
		}
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		slog.Warn("Scan abandoned by caller, finishing in background", "scan_id", req.ScanID, "err", ctx.Err())
		return nil, fmt.Errorf("scan %s abandoned: %w", req.ScanID, ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, img providers.Image, maxBooks int) (*models.RecognitionResult, error) {
	start := o.now()
	var (
		attempted []string
		failures  []error
	)

	for _, s := range o.strategies {
		if s.Role() == models.ProviderFallback && !req.UseFallback {
			continue
		}

		attempted = append(attempted, s.Name())
		t0 := time.Now()
		books, err := s.Attempt(ctx, img, maxBooks)
		o.observer.RecognitionAttempt(s.Name(), s.Role(), err, time.Since(t0))
		if err != nil {
			slog.Warn("Recognition provider failed", "provider", s.Name(), "role", s.Role(), "scan_id", req.ScanID, "err", err)
			failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		res := &models.RecognitionResult{
			ScanID:             req.ScanID,
			SessionID:          req.SessionID,
			Provider:           s.Role(),
			ProviderName:       s.Name(),
			ProvidersAttempted: attempted,
			Partial:            len(failures) > 0,
			CreatedAt:          o.now().UTC(),
		}
		res.Books, res.Truncated = rank(books, maxBooks)
		if len(failures) > 0 {
			res.ErrorMessage = errorMessage(failures)
		}
		res.ProcessingTimeMS = o.now().Sub(start).Milliseconds()

		slog.Info("Recognized books", "scan_id", req.ScanID, "provider", s.Name(), "books", len(res.Books), "truncated", res.Truncated)
		return res, nil
	}

	if len(attempted) == 0 {
		return nil, apperr.Errorf(apperr.RecognitionUnavailable, "recognition.recognize", "no recognition provider configured")
	}
	return nil, apperr.E(apperr.RecognitionUnavailable, "recognition.recognize",
		fmt.Errorf("providers attempted [%s]: %w", strings.Join(attempted, ", "), errors.Join(failures...)))
}

// Lookup returns a cached scan result. Expired or unknown scans report false.
func (o *Orchestrator) Lookup(ctx context.Context, scanID string) (*models.RecognitionResult, bool) {
	if scanID == "" {
		return nil, false
	}
	return consistency.Fetch[models.RecognitionResult](ctx, o.policy, ScanKey(scanID))
}

// rank sorts by confidence, highest first, keeping provider order for ties,
// and drops the lowest entries beyond maxBooks.
func rank(books []models.RecognizedBook, maxBooks int) ([]models.RecognizedBook, int) {
	out := append(make([]models.RecognizedBook, 0, len(books)), books...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if maxBooks > 0 && len(out) > maxBooks {
		return out[:maxBooks], len(out) - maxBooks
	}
	return out, 0
}

func errorMessage(failures []error) string {
	msgs := make([]string, 0, len(failures))
	for _, err := range failures {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
