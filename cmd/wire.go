package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/cache"
	"github.com/lehigh-university-libraries/shelfscanner/internal/catalog"
	"github.com/lehigh-university-libraries/shelfscanner/internal/config"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/discovery"
	"github.com/lehigh-university-libraries/shelfscanner/internal/gemini"
	"github.com/lehigh-university-libraries/shelfscanner/internal/metrics"
	"github.com/lehigh-university-libraries/shelfscanner/internal/ocr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/ollama"
	"github.com/lehigh-university-libraries/shelfscanner/internal/openai"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
	"github.com/lehigh-university-libraries/shelfscanner/internal/recognition"
	"github.com/lehigh-university-libraries/shelfscanner/internal/recommend"
	"github.com/lehigh-university-libraries/shelfscanner/internal/session"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg        *config.Config
	store      storage.Store
	cache      cache.Cache
	policy     *consistency.Policy
	recorder   *metrics.Recorder
	sessions   *session.Service
	recognizer *recognition.Orchestrator
	engine     *recommend.Engine
	discovery  *discovery.Service
	closers    []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.NewLogger())
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("Using the in-memory store, nothing will survive a restart")
		return storage.NewMemory(), nil
	}
	db, err := storage.Open(cfg.StoreDriver, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		return nil, err
	}
	// a local sqlite file has nobody else to migrate it
	if cfg.StoreDriver == "sqlite" {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.CacheDriver == "redis" {
		slog.Info("Connecting to cache", "driver", "redis", "addr", cfg.RedisAddr)
		return cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	}
	return cache.NewMemory(cfg.CacheMaxBytes)
}

func newProvider(name string) (providers.Provider, error) {
	switch name {
	case "openai":
		return openai.New(), nil
	case "ollama":
		return ollama.New(), nil
	case "gemini":
		return gemini.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		if model := os.Getenv("OPENAI_MODEL"); model != "" {
			return model
		}
		return "gpt-4o"
	case "ollama":
		if model := os.Getenv("OLLAMA_MODEL"); model != "" {
			return model
		}
		return "mistral-small3.2:24b"
	case "gemini":
		if model := os.Getenv("GEMINI_MODEL"); model != "" {
			return model
		}
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

func modelOr(model, provider string) string {
	if model != "" {
		return model
	}
	return defaultModel(provider)
}

func (a *app) newPolicy() *consistency.Policy {
	opts := []consistency.Option{consistency.WithLoadTimeout(a.cfg.StoreTimeout)}
	if a.recorder != nil {
		opts = append(opts, consistency.WithObserver(a.recorder))
	}
	return consistency.New(a.cache, a.cfg.CacheTimeout, opts...)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, recorder: metrics.New()}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	c, err := openCache(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)
	a.policy = a.newPolicy()

	breaker := providers.BreakerSettings{
		Failures:      cfg.BreakerFailures,
		OpenTimeout:   cfg.BreakerOpenTimeout,
		OnStateChange: a.recorder.BreakerStateChange,
	}

	a.sessions = session.New(store, a.policy, session.Config{
		TTL:             cfg.SessionTTL,
		RenewalFraction: cfg.RenewalFraction,
		PurgeAfter:      cfg.PurgeAfter,
	}, session.WithSweepHook(a.recorder.SessionsSwept))

	strategies, err := a.recognitionStrategies(ctx, breaker)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.recognizer = recognition.New(a.policy, recognition.Config{
		MaxImageBytes: cfg.MaxImageBytes,
		MaxBooks:      cfg.MaxBooks,
		ScanTTL:       cfg.ScanTTL,
	}, strategies, recognition.WithObserver(a.recorder))

	recProvider, err := newProvider(cfg.RecommendProvider)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	lookup := catalog.NewCached(catalog.NewClient(cfg.OpenLibraryURL, cfg.CatalogTimeout, breaker), a.policy, cfg.LookupTTL)

	a.engine = recommend.New(store, a.sessions, a.recognizer, recommend.Config{
		MaxRecommendations: cfg.MaxRecommendations,
		RelevanceWeight:    cfg.RelevanceWeight,
	}, []recommend.Strategy{
		&recommend.AI{
			Provider:     providers.WithBreaker("recommend-"+cfg.RecommendProvider, recProvider, breaker),
			ProviderName: cfg.RecommendProvider,
			Model:        modelOr(cfg.RecommendModel, cfg.RecommendProvider),
			Timeout:      cfg.AITimeout,
			Resolver:     books.NewResolver(store, cfg.FuzzyThreshold),
		},
		&recommend.Heuristic{Store: store},
	}, recommend.WithObserver(a.recorder), recommend.WithEnricher(books.NewEnricher(store, lookup)))

	a.discovery = discovery.New(a.sessions, a.recognizer, a.engine, books.NewBrowser(store))
	return a, nil
}

func (a *app) recognitionStrategies(ctx context.Context, breaker providers.BreakerSettings) ([]recognition.Strategy, error) {
	cfg := a.cfg
	visionProvider, err := newProvider(cfg.VisionProvider)
	if err != nil {
		return nil, err
	}
	primary := &recognition.Vision{
		Provider:     providers.WithBreaker("vision-"+cfg.VisionProvider, visionProvider, breaker),
		ProviderName: cfg.VisionProvider,
		Model:        modelOr(cfg.VisionModel, cfg.VisionProvider),
		Timeout:      cfg.VisionTimeout,
	}

	var detector ocr.Provider
	name := "google-vision"
	switch cfg.OCRProvider {
	case "vision":
		cv, err := ocr.NewCloudVision(ctx, cfg.GoogleCredentials)
		if err != nil {
			slog.Warn("Cloud Vision OCR unavailable, recognition runs without a fallback", "err", err)
			return []recognition.Strategy{primary}, nil
		}
		a.closers = append(a.closers, cv.Close)
		detector = ocr.NewBreaker("ocr-"+name, cv, breaker)
	case "llm":
		name = "llm-ocr"
		// the LLM OCR path shares the vision provider but not its breaker
		detector = ocr.NewLLM(providers.WithBreaker("ocr-"+cfg.VisionProvider, visionProvider, breaker), modelOr(cfg.OCRModel, cfg.VisionProvider))
	}

	return []recognition.Strategy{primary, &recognition.OCR{
		Provider:     detector,
		ProviderName: name,
		Timeout:      cfg.OCRTimeout,
		Discount:     cfg.FallbackDiscount,
	}}, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
