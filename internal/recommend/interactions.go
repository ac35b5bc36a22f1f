package recommend

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
)

// RecordInteraction applies an interaction to one of the session's
// recommendations. A recommendation that belongs to another session is
// reported as not found.
func (e *Engine) RecordInteraction(ctx context.Context, sess *models.Session, recID uuid.UUID, kind string) (*models.Recommendation, error) {
	const op = "recommend.record_interaction"

	apply, ok := interactions[kind]
	if !ok {
		return nil, apperr.Errorf(apperr.InvalidInput, op, "unknown interaction type %q", kind)
	}

	rec, err := e.store.GetRecommendation(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.SessionID != sess.ID {
		return nil, apperr.E(apperr.NotFound, op, nil)
	}

	now := e.now().UTC()
	apply(rec, now)
	rec.InteractedAt = &now
	if err := e.store.SaveRecommendation(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

var interactions = map[string]func(r *models.Recommendation, now time.Time){
	models.InteractionViewed: func(r *models.Recommendation, now time.Time) {
		r.ViewedAt = &now
	},
	models.InteractionSaved: func(r *models.Recommendation, now time.Time) {
		r.IsSaved = true
		r.SavedAt = &now
	},
	models.InteractionInterested: func(r *models.Recommendation, _ time.Time) {
		interested := true
		r.IsInterested = &interested
	},
	models.InteractionNotInterested: func(r *models.Recommendation, _ time.Time) {
		interested := false
		r.IsInterested = &interested
	},
	models.InteractionPurchased: func(r *models.Recommendation, now time.Time) {
		r.IsPurchased = true
		r.PurchasedAt = &now
	},
}

// List returns the session's recommendations, newest first.
func (e *Engine) List(ctx context.Context, sess *models.Session, limit int) ([]models.Recommendation, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return e.store.ListRecommendations(ctx, sess.ID, limit)
}
