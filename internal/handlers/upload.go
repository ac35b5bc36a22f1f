package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/shelfscanner/internal/discovery"
)

// HandleScan accepts a multipart shelf photo in the "file" (or "files")
// field. The image is only held in memory for the duration of the scan.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes+1<<20)

	file, _, err := r.FormFile("file")
	if err != nil {
		file, _, err = r.FormFile("files")
		if err != nil {
			h.writeError(w, "Failed to read file: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	defer file.Close()

	// one byte over the limit is enough for the size check downstream
	fileData, err := io.ReadAll(io.LimitReader(file, h.maxBodyBytes+1))
	if err != nil {
		h.writeError(w, "Failed to read file contents: "+err.Error(), http.StatusBadRequest)
		return
	}

	opts := discovery.ScanOptions{UseFallback: true}
	if v := r.FormValue("max_books"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, "max_books must be an integer", http.StatusBadRequest)
			return
		}
		opts.MaxBooks = n
	}
	if v := r.FormValue("use_fallback"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, "use_fallback must be a boolean", http.StatusBadRequest)
			return
		}
		opts.UseFallback = b
	}

	res, err := h.svc.ScanShelf(r.Context(), sessionToken(r), fileData, opts)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, res)
}
