package recognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache/cachetest"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/ocr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// fakeProvider answers every ExtractText call with response or err.
type fakeProvider struct {
	response string
	err      error
	calls    atomic.Int32
}

func (f *fakeProvider) ExtractText(ctx context.Context, _ providers.Config) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeOCR struct {
	result *ocr.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeOCR) DetectText(context.Context, providers.Image) (*ocr.Result, error) {
	f.calls.Add(1)
	return f.result, f.err
}

func newOrchestrator(primary *fakeProvider, fallback *fakeOCR) (*Orchestrator, *cachetest.Fake) {
	fake := cachetest.New()
	o := New(consistency.New(fake, time.Second), Config{MaxImageBytes: 1 << 20, MaxBooks: 20, ScanTTL: time.Hour}, []Strategy{
		&Vision{Provider: primary, ProviderName: "openai", Timeout: time.Second},
		&OCR{Provider: fallback, ProviderName: "google_vision", Timeout: time.Second, Discount: 0.6},
	})
	return o, fake
}

const visionAnswer = "```json\n[" +
	`{"title": "Dune", "author": "Frank Herbert", "confidence": 0.9},` +
	`{"title": "  ", "author": "Nobody", "confidence": 0.99},` +
	`{"title": "Emma", "author": null, "confidence": 1.7},` +
	`{"title": "Beloved", "author": "Toni Morrison", "confidence": 0.9}` +
	"]\n```"

func TestRecognizePrimary(t *testing.T) {
	primary := &fakeProvider{response: visionAnswer}
	fallback := &fakeOCR{}
	o, fake := newOrchestrator(primary, fallback)

	res, err := o.Recognize(context.Background(), Request{SessionID: uuid.New(), Image: pngBytes(t), UseFallback: true})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if res.Provider != models.ProviderPrimary || res.Partial {
		t.Errorf("Expected a complete primary result, got %+v", res)
	}
	want := []string{"Emma", "Dune", "Beloved"}
	if len(res.Books) != len(want) {
		t.Fatalf("Expected %d books, got %+v", len(want), res.Books)
	}
	for i, title := range want {
		if res.Books[i].Title != title {
			t.Errorf("Position %d: expected %s, got %s", i, title, res.Books[i].Title)
		}
	}
	if res.Books[0].Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %f", res.Books[0].Confidence)
	}
	if fallback.calls.Load() != 0 {
		t.Error("Expected fallback not to run")
	}
	if !fake.Has(ScanKey(res.ScanID)) {
		t.Error("Expected the scan to be cached")
	}
	if ttl := fake.TTL(ScanKey(res.ScanID)); ttl > time.Hour {
		t.Errorf("Expected scan TTL <= 1h, got %s", ttl)
	}
}

func TestRecognizeFallsBackToOCR(t *testing.T) {
	primary := &fakeProvider{err: errors.New("status 503")}
	fallback := &fakeOCR{result: &ocr.Result{FullText: "The Great Gatsby by F. Scott Fitzgerald\n1925\nDune"}}
	o, _ := newOrchestrator(primary, fallback)

	res, err := o.Recognize(context.Background(), Request{Image: pngBytes(t), UseFallback: true})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if res.Provider != models.ProviderFallback || res.ProviderName != "google_vision" {
		t.Errorf("Expected fallback provider, got %s (%s)", res.Provider, res.ProviderName)
	}
	if !res.Partial || res.ErrorMessage == "" {
		t.Errorf("Expected a partial result explaining the primary failure, got %+v", res)
	}
	if len(res.ProvidersAttempted) != 2 {
		t.Errorf("Expected both providers attempted, got %v", res.ProvidersAttempted)
	}
	if len(res.Books) != 2 || res.Books[0].Title != "The Great Gatsby" {
		t.Fatalf("Unexpected books %+v", res.Books)
	}
	// 0.9 heuristic confidence discounted by 0.6
	if got := res.Books[0].Confidence; got < 0.539 || got > 0.541 {
		t.Errorf("Expected discounted confidence 0.54, got %f", got)
	}
}

func TestRecognizeWithoutFallback(t *testing.T) {
	primary := &fakeProvider{response: "I could not find any books, sorry."}
	fallback := &fakeOCR{result: &ocr.Result{FullText: "Dune"}}
	o, _ := newOrchestrator(primary, fallback)

	_, err := o.Recognize(context.Background(), Request{Image: pngBytes(t), UseFallback: false})
	if !apperr.Is(err, apperr.RecognitionUnavailable) {
		t.Errorf("Expected RecognitionUnavailable, got %v", err)
	}
	if fallback.calls.Load() != 0 {
		t.Error("Expected fallback not to run")
	}
}

func TestRecognizeAllProvidersFail(t *testing.T) {
	primary := &fakeProvider{err: context.DeadlineExceeded}
	fallback := &fakeOCR{err: errors.New("quota exceeded")}
	o, _ := newOrchestrator(primary, fallback)

	_, err := o.Recognize(context.Background(), Request{Image: pngBytes(t), UseFallback: true})
	if !apperr.Is(err, apperr.RecognitionUnavailable) {
		t.Fatalf("Expected RecognitionUnavailable, got %v", err)
	}
	if primary.calls.Load() != 1 || fallback.calls.Load() != 1 {
		t.Errorf("Expected exactly one attempt per provider, got %d and %d", primary.calls.Load(), fallback.calls.Load())
	}
}

func TestRecognizeRejectsInvalidImages(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
	}{
		{"empty", nil},
		{"text renamed to jpg", []byte("just some notes about books, not an image\n")},
		{"too large", append(pngBytes(t), make([]byte, 1<<20)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeProvider{response: visionAnswer}
			fallback := &fakeOCR{}
			o, fake := newOrchestrator(primary, fallback)

			_, err := o.Recognize(context.Background(), Request{Image: tt.image, UseFallback: true})
			if !apperr.Is(err, apperr.InvalidInput) {
				t.Errorf("Expected InvalidInput, got %v", err)
			}
			if primary.calls.Load() != 0 || fallback.calls.Load() != 0 {
				t.Error("Expected no provider calls")
			}
			if fake.Sets != 0 {
				t.Error("Expected no cache writes")
			}
		})
	}
}

func TestRecognizeTruncatesLowestConfidence(t *testing.T) {
	primary := &fakeProvider{response: `[
		{"title": "A", "confidence": 0.2},
		{"title": "B", "confidence": 0.8},
		{"title": "C", "confidence": 0.5},
		{"title": "D", "confidence": 0.8}
	]`}
	o, _ := newOrchestrator(primary, &fakeOCR{})

	res, err := o.Recognize(context.Background(), Request{Image: pngBytes(t), MaxBooks: 2})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if len(res.Books) != 2 || res.Books[0].Title != "B" || res.Books[1].Title != "D" {
		t.Errorf("Expected [B D], got %+v", res.Books)
	}
	if res.Truncated != 2 {
		t.Errorf("Expected 2 truncated, got %d", res.Truncated)
	}
}

// blockingStrategy waits for release before answering.
type blockingStrategy struct {
	release chan struct{}
}

func (b *blockingStrategy) Name() string              { return "slow" }
func (b *blockingStrategy) Role() models.ProviderRole { return models.ProviderPrimary }
func (b *blockingStrategy) Attempt(ctx context.Context, _ providers.Image, _ int) ([]models.RecognizedBook, error) {
	select {
	case <-b.release:
		return []models.RecognizedBook{{Title: "Late Arrival", Confidence: 0.7}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRecognizeFinishesInBackgroundAfterCancel(t *testing.T) {
	fake := cachetest.New()
	slow := &blockingStrategy{release: make(chan struct{})}
	o := New(consistency.New(fake, time.Second), Config{MaxImageBytes: 1 << 20, MaxBooks: 20, ScanTTL: time.Hour}, []Strategy{slow})

	img := pngBytes(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := o.Recognize(ctx, Request{ScanID: "scan-1", Image: img})
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recognize blocked past the caller's cancellation")
	}

	close(slow.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := o.Lookup(context.Background(), "scan-1"); ok {
			if res.Books[0].Title != "Late Arrival" {
				t.Errorf("Unexpected cached result %+v", res)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Expected the background result to be cached")
}

func TestParseVisionResponseWrapped(t *testing.T) {
	books, err := ParseVisionResponse(`Here you go: {"books": [{"title": "Dune"}]}`)
	if err != nil {
		t.Fatalf("ParseVisionResponse failed: %v", err)
	}
	if len(books) != 1 || books[0].Confidence != 0.5 {
		t.Errorf("Expected one book with default confidence, got %+v", books)
	}
}
