package handlers

import (
	"net/http"

	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/session"
)

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DeviceID string `json:"device_id"`
		Token    string `json:"token"`
		Name     string `json:"name"`
		Email    string `json:"email"`
	}
	if !h.decodeJSON(w, r, &request) {
		return
	}
	if request.Token == "" {
		request.Token = sessionToken(r)
	}

	res, err := h.svc.CreateOrResolveSession(r.Context(), session.ResolveRequest{
		DeviceID:  request.DeviceID,
		Token:     request.Token,
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
		Name:      request.Name,
		Email:     request.Email,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	h.writeJSONStatus(w, code, res)
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), sessionToken(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, sess)
}

func (h *Handler) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Name  *string `json:"name"`
		Email *string `json:"email"`
	}
	if !h.decodeJSON(w, r, &request) {
		return
	}
	sess, err := h.svc.UpdateSession(r.Context(), sessionToken(r), session.UpdateRequest{Name: request.Name, Email: request.Email})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, sess)
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), sessionToken(r)); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPreferences(r.Context(), sessionToken(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, p)
}

func (h *Handler) HandleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var p models.Preferences
	if !h.decodeJSON(w, r, &p) {
		return
	}
	saved, err := h.svc.SetPreferences(r.Context(), sessionToken(r), &p)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, saved)
}

func (h *Handler) HandleImportHistory(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Entries []models.HistoryEntry `json:"entries"`
		Merge   *bool                 `json:"merge"`
	}
	if !h.decodeJSON(w, r, &request) {
		return
	}
	res, err := h.svc.ImportHistory(r.Context(), sessionToken(r), request.Entries, boolOr(request.Merge, true))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, res)
}
