package playback

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"capture-coordinator/internal/store"
)

// ErrInvalidIdentifier is returned for recording ids that are not UUIDs.
var ErrInvalidIdentifier = errors.New("invalid recording identifier")

// Handler exposes the recording library over HTTP using go-chi.
type Handler struct {
	store *store.Store
	log   *slog.Logger
}

// NewHandler returns a Handler reading from the given store.
func NewHandler(s *store.Store, log *slog.Logger) *Handler {
	return &Handler{store: s, log: log}
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func recordingID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "id")
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return raw, nil
}

// List handles GET /api/recordings, most recent first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListAll()
	if err != nil {
		h.log.Error("list recordings failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing failed"})
		return
	}
	if all == nil {
		all = []store.Metadata{}
	}
	writeJSON(w, http.StatusOK, all)
}

// Get handles GET /api/recordings/{id}, streaming the reassembled media
// object. ?download=1 adds a file-download disposition.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := recordingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	rec, err := h.store.Read(id)
	if err != nil {
		h.log.Error("read recording failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "read failed"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "recording not found"})
		return
	}

	contentType := rec.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	if r.URL.Query().Get("download") == "1" {
		name := id
		if rec.Name != nil && *rec.Name != "" {
			name = *rec.Name
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".webm"))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Data)
}

type renameRequest struct {
	Name *string `json:"name"`
}

// Rename handles PATCH /api/recordings/{id}/name. A null name clears it.
func (h *Handler) Rename(w http.ResponseWriter, r *http.Request) {
	id, err := recordingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := h.store.Rename(id, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "recording not found"})
			return
		}
		h.log.Error("rename failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rename failed"})
		return
	}
	writeJSON(w, http.StatusOK, errorResponse{OK: true})
}

// Delete handles DELETE /api/recordings/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := recordingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "recording not found"})
			return
		}
		h.log.Error("delete failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "delete failed"})
		return
	}
	h.log.Info("recording deleted", slog.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}
