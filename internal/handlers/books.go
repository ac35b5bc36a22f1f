package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/shelfscanner/internal/books"
	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
)

func (h *Handler) HandleSearchBooks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	found, err := h.svc.SearchBooks(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeBooks(w, found)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	listed, err := h.svc.ListBooks(r.Context(), books.ListRequest{
		Genre:  r.URL.Query().Get("genre"),
		Author: r.URL.Query().Get("author"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeBooks(w, listed)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, "Invalid book id", http.StatusBadRequest)
		return
	}
	book, err := h.svc.GetBook(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, book)
}

func (h *Handler) HandlePopularGenres(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	genres, err := h.svc.PopularGenres(r.Context(), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"genres": nonNil(genres)})
}

func (h *Handler) HandlePopularAuthors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	authors, err := h.svc.PopularAuthors(r.Context(), limit)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"authors": nonNil(authors)})
}

func (h *Handler) writeBooks(w http.ResponseWriter, found []models.Book) {
	h.writeJSON(w, map[string]any{"books": nonNil(found), "count": len(found)})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T models.Book | storage.Facet](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
