package session

import (
	"context"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/consistency"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"github.com/lehigh-university-libraries/shelfscanner/internal/validation"
	"gorm.io/datatypes"
)

// MaxHistoryImport caps the entries accepted by one ImportHistory call.
const MaxHistoryImport = 100

// Preferences returns the session's preferences, read cache-aside. A session
// that never saved preferences gets empty defaults.
func (s *Service) Preferences(ctx context.Context, sess *models.Session) (*models.Preferences, error) {
	return consistency.Load(ctx, s.policy, preferencesKey(sess), s.prefsTTL(sess), func(ctx context.Context) (*models.Preferences, error) {
		p, err := s.store.GetPreferences(ctx, sess.ID)
		if apperr.Is(err, apperr.NotFound) {
			return &models.Preferences{SessionID: sess.ID}, nil
		}
		return p, err
	})
}

// SetPreferences validates and folds p, then writes it through.
// Out-of-range values fail with apperr.InvalidInput before any write.
func (s *Service) SetPreferences(ctx context.Context, sess *models.Session, p *models.Preferences) (*models.Preferences, error) {
	p.SessionID = sess.ID
	p.Session = nil
	p.FavoriteGenres = datatypes.JSONSlice[string](normalize.Genres(p.FavoriteGenres))
	p.DislikedGenres = datatypes.JSONSlice[string](normalize.Genres(p.DislikedGenres))
	p.FavoriteAuthors = datatypes.JSONSlice[string](dedupTrimmed(p.FavoriteAuthors))
	p.LanguagePreferences = datatypes.JSONSlice[string](normalize.Genres(p.LanguagePreferences))
	p.ReadingHistory = datatypes.JSONSlice[models.HistoryEntry](mergeHistory(nil, p.ReadingHistory))

	if err := validation.Struct(p); err != nil {
		return nil, err
	}

	err := s.policy.Write(ctx, preferencesKey(sess), p, s.prefsTTL(sess)(p), func(ctx context.Context) error {
		return s.store.SavePreferences(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ImportHistory adds up to MaxHistoryImport reading history entries. With
// merge the entries are appended to the existing history, skipping books
// already present; otherwise they replace it.
func (s *Service) ImportHistory(ctx context.Context, sess *models.Session, entries []models.HistoryEntry, merge bool) (*models.Preferences, int, error) {
	if len(entries) > MaxHistoryImport {
		entries = entries[:MaxHistoryImport]
	}
	for i := range entries {
		entries[i].Title = strings.TrimSpace(entries[i].Title)
		entries[i].Author = strings.TrimSpace(entries[i].Author)
		if err := validation.Struct(entries[i]); err != nil {
			return nil, 0, err
		}
	}

	p, err := s.Preferences(ctx, sess)
	if err != nil {
		return nil, 0, err
	}

	var base []models.HistoryEntry
	if merge {
		base = p.ReadingHistory
	}
	before := len(base)
	p.ReadingHistory = datatypes.JSONSlice[models.HistoryEntry](mergeHistory(base, entries))
	imported := len(p.ReadingHistory) - before

	saved, err := s.SetPreferences(ctx, sess, p)
	if err != nil {
		return nil, 0, err
	}
	return saved, imported, nil
}

func (s *Service) prefsTTL(sess *models.Session) func(*models.Preferences) time.Duration {
	return func(*models.Preferences) time.Duration {
		return s.cacheTTL(sess)
	}
}

func mergeHistory(base, add []models.HistoryEntry) []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, len(base)+len(add))
	seen := make(map[string]bool, len(base)+len(add))
	for _, list := range [][]models.HistoryEntry{base, add} {
		for _, e := range list {
			k := e.Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	return out
}

func dedupTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		k := normalize.Fold(v)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}
