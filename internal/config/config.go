package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/lehigh-university-libraries/shelfscanner/internal/validation"
)

// Config holds every tunable of the shelfscanner service.
// Values come from the environment (a .env file is loaded by the root command).
type Config struct {
	Port      string `env:"SHELFSCANNER_PORT" envDefault:"8888"`
	LogLevel  string `env:"SHELFSCANNER_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"SHELFSCANNER_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`

	// Authoritative store
	StoreDriver  string        `env:"SHELFSCANNER_STORE" envDefault:"sqlite" validate:"oneof=postgres sqlite memory"`
	DatabaseURL  string        `env:"DATABASE_URL" envDefault:"shelfscanner.db"`
	StoreTimeout time.Duration `env:"SHELFSCANNER_STORE_TIMEOUT" envDefault:"10s"`

	// Cache
	CacheDriver   string        `env:"SHELFSCANNER_CACHE" envDefault:"memory" validate:"oneof=redis memory"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheMaxBytes int64         `env:"SHELFSCANNER_CACHE_MAX_BYTES" envDefault:"67108864" validate:"gt=0"`
	CacheTimeout  time.Duration `env:"SHELFSCANNER_CACHE_TIMEOUT" envDefault:"5s"`

	// Sessions
	SessionTTL      time.Duration `env:"SHELFSCANNER_SESSION_TTL" envDefault:"24h" validate:"gt=0"`
	RenewalFraction float64       `env:"SHELFSCANNER_RENEWAL_FRACTION" envDefault:"0.2" validate:"gt=0,lte=1"`
	SweepInterval   time.Duration `env:"SHELFSCANNER_SWEEP_INTERVAL" envDefault:"10m" validate:"gt=0"`
	PurgeAfter      time.Duration `env:"SHELFSCANNER_PURGE_AFTER" envDefault:"720h"`

	// Recognition
	MaxImageBytes      int64         `env:"SHELFSCANNER_MAX_IMAGE_BYTES" envDefault:"10485760" validate:"gt=0"`
	MaxBooks           int           `env:"SHELFSCANNER_MAX_BOOKS" envDefault:"20" validate:"gt=0"`
	ScanTTL            time.Duration `env:"SHELFSCANNER_SCAN_TTL" envDefault:"1h" validate:"gt=0"`
	VisionProvider     string        `env:"SHELFSCANNER_VISION_PROVIDER" envDefault:"openai" validate:"oneof=openai ollama gemini"`
	VisionModel        string        `env:"SHELFSCANNER_VISION_MODEL"`
	VisionTimeout      time.Duration `env:"SHELFSCANNER_VISION_TIMEOUT" envDefault:"30s"`
	OCRProvider        string        `env:"SHELFSCANNER_OCR_PROVIDER" envDefault:"vision" validate:"oneof=vision llm"`
	OCRModel           string        `env:"SHELFSCANNER_OCR_MODEL"`
	OCRTimeout         time.Duration `env:"SHELFSCANNER_OCR_TIMEOUT" envDefault:"15s"`
	FallbackDiscount   float64       `env:"SHELFSCANNER_FALLBACK_DISCOUNT" envDefault:"0.6" validate:"gt=0,lte=1"`
	GoogleCredentials  string        `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	BreakerFailures    uint32        `env:"SHELFSCANNER_BREAKER_FAILURES" envDefault:"5" validate:"gt=0"`
	BreakerOpenTimeout time.Duration `env:"SHELFSCANNER_BREAKER_TIMEOUT" envDefault:"30s"`

	// Recommendations
	RecommendProvider  string        `env:"SHELFSCANNER_RECOMMEND_PROVIDER" envDefault:"openai" validate:"oneof=openai ollama gemini"`
	RecommendModel     string        `env:"SHELFSCANNER_RECOMMEND_MODEL"`
	AITimeout          time.Duration `env:"SHELFSCANNER_AI_TIMEOUT" envDefault:"20s"`
	MaxRecommendations int           `env:"SHELFSCANNER_MAX_RECOMMENDATIONS" envDefault:"10" validate:"gt=0"`
	RelevanceWeight    float64       `env:"SHELFSCANNER_RELEVANCE_WEIGHT" envDefault:"0.7" validate:"gte=0,lte=1"`
	FuzzyThreshold     float64       `env:"SHELFSCANNER_FUZZY_THRESHOLD" envDefault:"0.85" validate:"gt=0,lte=1"`

	// External catalog
	OpenLibraryURL string        `env:"OPENLIBRARY_URL" envDefault:"https://openlibrary.org"`
	CatalogTimeout time.Duration `env:"SHELFSCANNER_CATALOG_TIMEOUT" envDefault:"10s"`
	LookupTTL      time.Duration `env:"SHELFSCANNER_LOOKUP_TTL" envDefault:"24h" validate:"gt=0"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := validation.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds the slog logger described by the configuration.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
