// Package discovery exposes the operations of the discovery session
// pipeline. Every session operation except CreateOrResolveSession and
// DeleteSession authenticates a live session token first, which also slides
// its expiry. Catalog browsing is public.
package discovery

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/recognition"
	"github.com/lehigh-university-libraries/shelfscanner/internal/recommend"
	"github.com/lehigh-university-libraries/shelfscanner/internal/session"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

// Service wires the session store, the recognition orchestrator, the
// recommendation engine and the catalog together.
type Service struct {
	sessions   *session.Service
	recognizer *recognition.Orchestrator
	engine     *recommend.Engine
	catalog    *books.Browser
}

func New(sessions *session.Service, recognizer *recognition.Orchestrator, engine *recommend.Engine, catalog *books.Browser) *Service {
	return &Service{sessions: sessions, recognizer: recognizer, engine: engine, catalog: catalog}
}

// SessionResult is returned by CreateOrResolveSession.
type SessionResult struct {
	Session *models.Session `json:"session"`
	Created bool            `json:"created"`
}

func (s *Service) CreateOrResolveSession(ctx context.Context, req session.ResolveRequest) (*SessionResult, error) {
	sess, created, err := s.sessions.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Created session", "session", sess.ID, "device", req.DeviceID)
	}
	return &SessionResult{Session: sess, Created: created}, nil
}

func (s *Service) GetSession(ctx context.Context, token string) (*models.Session, error) {
	return s.sessions.Get(ctx, token)
}

func (s *Service) UpdateSession(ctx context.Context, token string, req session.UpdateRequest) (*models.Session, error) {
	return s.sessions.Update(ctx, token, req)
}

// DeleteSession logs the session out. It is idempotent.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	if token == "" {
		return apperr.Errorf(apperr.InvalidInput, "discovery.delete_session", "session token is required")
	}
	return s.sessions.Expire(ctx, token)
}

func (s *Service) GetPreferences(ctx context.Context, token string) (*models.Preferences, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.sessions.Preferences(ctx, sess)
}

func (s *Service) SetPreferences(ctx context.Context, token string, p *models.Preferences) (*models.Preferences, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.sessions.SetPreferences(ctx, sess, p)
}

// ImportResult reports how many new history entries were kept.
type ImportResult struct {
	Imported    int                 `json:"imported"`
	Preferences *models.Preferences `json:"preferences"`
}

func (s *Service) ImportHistory(ctx context.Context, token string, entries []models.HistoryEntry, merge bool) (*ImportResult, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	p, n, err := s.sessions.ImportHistory(ctx, sess, entries, merge)
	if err != nil {
		return nil, err
	}
	slog.Info("Imported reading history", "session", sess.ID, "imported", n, "merge", merge)
	return &ImportResult{Imported: n, Preferences: p}, nil
}

// ScanOptions tune one ScanShelf call.
type ScanOptions struct {
	MaxBooks    int
	UseFallback bool
}

// ScanShelf rejects a bad image before the session is touched.
func (s *Service) ScanShelf(ctx context.Context, token string, image []byte, opts ScanOptions) (*models.RecognitionResult, error) {
	if err := s.recognizer.Validate(image); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.recognizer.Recognize(ctx, recognition.Request{
		SessionID:   sess.ID,
		Image:       image,
		MaxBooks:    opts.MaxBooks,
		UseFallback: opts.UseFallback,
	})
}

// GenerateOptions tune one GenerateRecommendations call.
type GenerateOptions struct {
	ScanID             string
	MaxRecommendations int
	IncludeSimilar     bool
	IncludeNew         bool
}

func (s *Service) GenerateRecommendations(ctx context.Context, token string, opts GenerateOptions) (*recommend.Result, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.engine.Generate(ctx, recommend.Request{
		Session:            sess,
		ScanID:             opts.ScanID,
		MaxRecommendations: opts.MaxRecommendations,
		IncludeSimilar:     opts.IncludeSimilar,
		IncludeNew:         opts.IncludeNew,
	})
}

func (s *Service) RecordInteraction(ctx context.Context, token string, recID uuid.UUID, kind string) (*models.Recommendation, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.engine.RecordInteraction(ctx, sess, recID, kind)
}

func (s *Service) ListRecommendations(ctx context.Context, token string, limit int) ([]models.Recommendation, error) {
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.engine.List(ctx, sess, limit)
}

func (s *Service) SearchBooks(ctx context.Context, query string, limit int) ([]models.Book, error) {
	return s.catalog.Search(ctx, books.SearchRequest{Query: query, Limit: limit})
}

func (s *Service) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	return s.catalog.Get(ctx, id)
}

func (s *Service) ListBooks(ctx context.Context, req books.ListRequest) ([]models.Book, error) {
	return s.catalog.List(ctx, req)
}

func (s *Service) PopularGenres(ctx context.Context, limit int) ([]storage.Facet, error) {
	return s.catalog.PopularGenres(ctx, limit)
}

func (s *Service) PopularAuthors(ctx context.Context, limit int) ([]storage.Facet, error) {
	return s.catalog.PopularAuthors(ctx, limit)
}
