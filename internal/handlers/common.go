package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/discovery"
)

// TokenHeader carries the session token on authenticated requests. A
// "Bearer" Authorization header is accepted as well.
const TokenHeader = "X-Session-Token"

type Handler struct {
	svc          *discovery.Service
	maxBodyBytes int64
}

func New(svc *discovery.Service, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 * 1024 * 1024
	}
	return &Handler{svc: svc, maxBodyBytes: maxBodyBytes}
}

// Routes mounts the API. Extra middleware (metrics, logging) runs after the
// router has matched, so it can see route patterns.
func (h *Handler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(mw...)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.HandleCreateSession)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.HandleGetSession)
			r.Patch("/", h.HandleUpdateSession)
			r.Delete("/", h.HandleDeleteSession)
			r.Get("/preferences", h.HandleGetPreferences)
			r.Put("/preferences", h.HandleSetPreferences)
			r.Post("/history", h.HandleImportHistory)
		})

		r.Post("/scans", h.HandleScan)

		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/", h.HandleListRecommendations)
			r.Post("/", h.HandleGenerateRecommendations)
			r.Post("/{id}/interactions", h.HandleInteraction)
		})

		r.Route("/books", func(r chi.Router) {
			r.Get("/", h.HandleListBooks)
			r.Get("/search", h.HandleSearchBooks)
			r.Get("/{id}", h.HandleGetBook)
		})
		r.Get("/genres/popular", h.HandlePopularGenres)
		r.Get("/authors/popular", h.HandlePopularAuthors)
	})
	return r
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	slog.Error(message, "status", code)
	h.writeJSONStatus(w, code, errorResponse{Error: string(apperr.InvalidInput), Message: message})
}

// writeAppError maps an error kind to its HTTP status.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	} else {
		slog.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	}
	h.writeJSONStatus(w, code, errorResponse{Error: string(kind), Message: err.Error()})
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.StoreUnavailable:
		return http.StatusServiceUnavailable
	case apperr.ProviderUnavailable, apperr.RecognitionUnavailable:
		return http.StatusBadGateway
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Expired:
		return http.StatusGone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Request helpers
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(v); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func sessionToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(TokenHeader)); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Errorf(apperr.InvalidInput, "handlers.query", "%s must be an integer", name)
	}
	return n, nil
}

// boolOr defaults an omitted JSON flag.
func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
