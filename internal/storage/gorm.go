package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/normalize"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Gorm is a Store backed by a relational database through gorm.
type Gorm struct {
	db      *gorm.DB
	timeout time.Duration
}

// Open connects to a postgres or sqlite database. Each store call is bounded
// by timeout.
func Open(driver, dsn string, timeout time.Duration) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	slog.Info("Connecting to authoritative store", "driver", driver)
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	return &Gorm{db: db, timeout: timeout}, nil
}

// Migrate creates or updates the tables for every model.
func (g *Gorm) Migrate(ctx context.Context) error {
	slog.Info("Auto migrating tables...")
	err := g.db.WithContext(ctx).AutoMigrate(
		&models.Session{},
		&models.Preferences{},
		&models.Book{},
		&models.Recommendation{},
	)
	if err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}
	return nil
}

func (g *Gorm) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return g.db.WithContext(ctx), cancel
}

// popularityOrder sorts like models.Book.Popularity: the rating capped at 5
// and damped by the ratings count.
var popularityOrder = fmt.Sprintf(
	"CASE WHEN ratings_count > 0 THEN "+
		"(CASE WHEN average_rating > 5 THEN 5.0 WHEN average_rating > 0 THEN average_rating ELSE 0 END)"+
		" * ratings_count / (ratings_count + %d.0) ELSE 0 END DESC, id ASC",
	models.PopularityDamping,
)

func contains(s string) string {
	return "%" + s + "%"
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return notFound(op)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return apperr.E(apperr.NotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.E(apperr.Conflict, op, err)
	default:
		return unavailable(op, err)
	}
}

func (g *Gorm) CreateSession(ctx context.Context, s *models.Session) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if err := db.Create(s).Error; err != nil {
		return translate("storage.create_session", err)
	}
	return nil
}

func (g *Gorm) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var s models.Session
	if err := db.Where("token = ?", token).First(&s).Error; err != nil {
		return nil, translate("storage.get_session", err)
	}
	return &s, nil
}

func (g *Gorm) TouchSession(ctx context.Context, s *models.Session) error {
	return g.updateLive(ctx, "storage.touch_session", s.ID, map[string]any{
		"last_activity": s.LastActivity,
		"expires_at":    s.ExpiresAt,
		"renewal_count": s.RenewalCount,
	})
}

func (g *Gorm) UpdateSessionProfile(ctx context.Context, s *models.Session) error {
	return g.updateLive(ctx, "storage.update_session_profile", s.ID, map[string]any{
		"name":  s.Name,
		"email": s.Email,
	})
}

func (g *Gorm) EndSession(ctx context.Context, id uuid.UUID, at time.Time, reason string) (bool, error) {
	err := g.updateLive(ctx, "storage.end_session", id, map[string]any{
		"is_active":  false,
		"ended_at":   at,
		"end_reason": reason,
	})
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.Expired):
		return false, nil
	default:
		return false, err
	}
}

// updateLive writes cols only while the session is active, so a stale copy
// can never bring an ended session back.
func (g *Gorm) updateLive(ctx context.Context, op string, id uuid.UUID, cols map[string]any) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	res := db.Model(&models.Session{}).Where("id = ? AND is_active = ?", id, true).Updates(cols)
	if res.Error != nil {
		return translate(op, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return translate(op, err)
	}
	if count == 0 {
		return notFound(op)
	}
	return expired(op)
}

func (g *Gorm) ExpireSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var expired []models.Session
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("is_active = ? AND expires_at <= ?", true, now).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(expired))
		for i := range expired {
			ids[i] = expired[i].ID
			expired[i].IsActive = false
			expired[i].EndedAt = &now
			expired[i].EndReason = models.EndReasonExpired
		}
		return tx.Model(&models.Session{}).Where("id IN ?", ids).Updates(map[string]any{
			"is_active":  false,
			"ended_at":   now,
			"end_reason": models.EndReasonExpired,
		}).Error
	})
	if err != nil {
		return nil, translate("storage.expire_sessions", err)
	}
	return expired, nil
}

func (g *Gorm) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var purged int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := tx.Model(&models.Session{}).
			Where("is_active = ? AND ended_at IS NOT NULL AND ended_at < ?", false, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&models.Recommendation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&models.Preferences{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Session{})
		purged = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, translate("storage.purge_sessions", err)
	}
	return purged, nil
}

func (g *Gorm) GetPreferences(ctx context.Context, sessionID uuid.UUID) (*models.Preferences, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var p models.Preferences
	if err := db.Where("session_id = ?", sessionID).First(&p).Error; err != nil {
		return nil, translate("storage.get_preferences", err)
	}
	return &p, nil
}

func (g *Gorm) SavePreferences(ctx context.Context, p *models.Preferences) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	var count int64
	if err := db.Model(&models.Session{}).Where("id = ?", p.SessionID).Count(&count).Error; err != nil {
		return translate("storage.save_preferences", err)
	}
	if count == 0 {
		return notFound("storage.save_preferences")
	}

	err := db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(p).Error
	if err != nil {
		return translate("storage.save_preferences", err)
	}
	return nil
}

func (g *Gorm) UpsertBook(ctx context.Context, b *models.Book) (*models.Book, bool, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	b.Canonicalize()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(b)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, false, translate("storage.upsert_book", res.Error)
	}
	if res.Error == nil && res.RowsAffected == 1 {
		created := *b
		return &created, true, nil
	}

	// Lost the race or the book was already known: the stored row wins.
	var existing models.Book
	q := db.Where("dedup_key = ?", b.DedupKey)
	if b.ISBN13 != nil {
		q = db.Where("dedup_key = ? OR isbn13 = ?", b.DedupKey, *b.ISBN13)
	}
	if err := q.First(&existing).Error; err != nil {
		return nil, false, translate("storage.upsert_book", err)
	}
	return &existing, false, nil
}

func (g *Gorm) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var b models.Book
	if err := db.First(&b, "id = ?", id).Error; err != nil {
		return nil, translate("storage.get_book", err)
	}
	return &b, nil
}

func (g *Gorm) FindBookByISBN(ctx context.Context, isbn13 string) (*models.Book, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var b models.Book
	if err := db.Where("isbn13 = ?", isbn13).First(&b).Error; err != nil {
		return nil, translate("storage.find_book_by_isbn", err)
	}
	return &b, nil
}

func (g *Gorm) SearchBooks(ctx context.Context, q BookQuery) ([]models.Book, error) {
	token := q.SearchToken()
	if token == "" {
		return nil, nil
	}
	db, cancel := g.conn(ctx)
	defer cancel()

	var books []models.Book
	err := db.Where("norm_title LIKE ?", "%"+token+"%").
		Order("norm_title ASC, id ASC").
		Limit(q.limit()).
		Find(&books).Error
	if err != nil {
		return nil, translate("storage.search_books", err)
	}
	return books, nil
}

func (g *Gorm) ListBooksByGenres(ctx context.Context, genres []string, limit int) ([]models.Book, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	q := db.Order(popularityOrder)
	if len(genres) > 0 {
		cond := g.db.Where("norm_genre IN ?", genres)
		for _, genre := range genres {
			cond = cond.Or(datatypes.JSONArrayQuery("categories").Contains(genre))
		}
		q = q.Where(cond)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, translate("storage.list_books_by_genres", err)
	}
	return books, nil
}

func (g *Gorm) BrowseBooks(ctx context.Context, cq CatalogQuery) ([]models.Book, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	q := db.Order(popularityOrder).Offset(max(cq.Offset, 0)).Limit(cq.browseLimit())
	if text := normalize.Key(cq.Text); text != "" {
		q = q.Where(g.db.Where("norm_title LIKE ?", contains(text)).Or("norm_author LIKE ?", contains(text)))
	}
	if author := normalize.Key(cq.Author); author != "" {
		q = q.Where("norm_author LIKE ?", contains(author))
	}
	if genre := normalize.Genre(cq.Genre); genre != "" {
		q = q.Where(g.db.Where("norm_genre LIKE ?", contains(genre)).
			Or(datatypes.JSONArrayQuery("categories").Contains(genre)))
	}

	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, translate("storage.browse_books", err)
	}
	return books, nil
}

func (g *Gorm) TopGenres(ctx context.Context, limit int) ([]Facet, error) {
	return g.facets(ctx, "storage.top_genres", "genre", limit)
}

func (g *Gorm) TopAuthors(ctx context.Context, limit int) ([]Facet, error) {
	return g.facets(ctx, "storage.top_authors", "author", limit)
}

func (g *Gorm) facets(ctx context.Context, op, column string, limit int) ([]Facet, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	q := db.Model(&models.Book{}).
		Select(column + " AS name, COUNT(*) AS book_count").
		Where(column + " <> ''").
		Group(column).
		Order("book_count DESC, name ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []Facet
	if err := q.Scan(&out).Error; err != nil {
		return nil, translate(op, err)
	}
	return out, nil
}

func (g *Gorm) UpdateBook(ctx context.Context, b *models.Book) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	res := db.Model(b).Select("*").Omit("ID", "DedupKey", "ISBN", "ISBN13", "CreatedAt").Updates(b)
	if res.Error != nil {
		return translate("storage.update_book", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("storage.update_book")
	}
	return nil
}

func (g *Gorm) UpsertRecommendation(ctx context.Context, r *models.Recommendation) (*models.Recommendation, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	row := *r
	row.Book, row.Session = nil, nil
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}

	err := db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "book_id"}, {Name: "scan_context"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"reason",
			"score",
			"relevance",
			"novelty",
			"recommendation_type",
			"source_books",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, translate("storage.upsert_recommendation", err)
	}

	var stored models.Recommendation
	err = db.Preload("Book").
		Where("session_id = ? AND book_id = ? AND scan_context = ?", r.SessionID, r.BookID, r.ScanContext).
		First(&stored).Error
	if err != nil {
		return nil, translate("storage.upsert_recommendation", err)
	}
	return &stored, nil
}

func (g *Gorm) GetRecommendation(ctx context.Context, id uuid.UUID) (*models.Recommendation, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var r models.Recommendation
	if err := db.Preload("Book").First(&r, "id = ?", id).Error; err != nil {
		return nil, translate("storage.get_recommendation", err)
	}
	return &r, nil
}

func (g *Gorm) SaveRecommendation(ctx context.Context, r *models.Recommendation) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	res := db.Model(r).Select("*").Omit(clause.Associations, "CreatedAt").Updates(r)
	if res.Error != nil {
		return translate("storage.save_recommendation", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("storage.save_recommendation")
	}
	return nil
}

func (g *Gorm) ListRecommendations(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Recommendation, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	q := db.Preload("Book").Where("session_id = ?", sessionID).Order("created_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []models.Recommendation
	if err := q.Find(&recs).Error; err != nil {
		return nil, translate("storage.list_recommendations", err)
	}
	return recs, nil
}

func (g *Gorm) RejectedBookIDs(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]bool, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var ids []uuid.UUID
	err := db.Model(&models.Recommendation{}).
		Where("session_id = ? AND is_interested = ?", sessionID, false).
		Pluck("book_id", &ids).Error
	if err != nil {
		return nil, translate("storage.rejected_books", err)
	}

	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return unavailable("storage.ping", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("storage.ping", err)
	}
	return nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
