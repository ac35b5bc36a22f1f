package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/discovery"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
)

func (h *Handler) HandleGenerateRecommendations(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ScanID             string `json:"scan_id"`
		MaxRecommendations int    `json:"max_recommendations"`
		IncludeSimilar     *bool  `json:"include_similar"`
		IncludeNew         *bool  `json:"include_new"`
	}
	if !h.decodeJSON(w, r, &request) {
		return
	}

	res, err := h.svc.GenerateRecommendations(r.Context(), sessionToken(r), discovery.GenerateOptions{
		ScanID:             request.ScanID,
		MaxRecommendations: request.MaxRecommendations,
		IncludeSimilar:     boolOr(request.IncludeSimilar, true),
		IncludeNew:         boolOr(request.IncludeNew, true),
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, res)
}

func (h *Handler) HandleListRecommendations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	recs, err := h.svc.ListRecommendations(r.Context(), sessionToken(r), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	h.writeJSON(w, map[string]any{"recommendations": recs, "count": len(recs)})
}

func (h *Handler) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "Invalid recommendation id", http.StatusBadRequest)
		return
	}
	var request struct {
		Type string `json:"type"`
	}
	if !h.decodeJSON(w, r, &request) {
		return
	}

	rec, err := h.svc.RecordInteraction(r.Context(), sessionToken(r), id, request.Type)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, rec)
}
