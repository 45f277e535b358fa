package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler exposes recording control endpoints using go-chi.
type Handler struct {
	coord *Coordinator
	log   *slog.Logger
}

// NewHandler returns a Handler driving the given coordinator.
func NewHandler(coord *Coordinator, log *slog.Logger) *Handler {
	return &Handler{coord: coord, log: log}
}

type startResponse struct {
	OK              bool   `json:"ok"`
	RecordingID     string `json:"recordingId,omitempty"`
	OverlayInjected bool   `json:"overlayInjected"`
	Error           string `json:"error,omitempty"`
}

type statusResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Start handles POST /api/recording/start.
// Body: { "mode": "tab", "includeMic": false, "includeSystemAudio": true, "overlayTargetId": "..." }.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, startResponse{Error: "invalid request body"})
		return
	}
	switch req.Mode {
	case "":
		req.Mode = "screen"
	case "tab", "window", "screen":
	default:
		writeJSON(w, http.StatusBadRequest, startResponse{Error: "unknown capture mode"})
		return
	}

	res, err := h.coord.Start(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyActive):
			writeJSON(w, http.StatusConflict, startResponse{Error: err.Error()})
		case errors.Is(err, ErrInsufficientCapacity):
			writeJSON(w, http.StatusInsufficientStorage, startResponse{Error: err.Error()})
		default:
			h.log.Error("start recording failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, startResponse{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		OK:              true,
		RecordingID:     res.RecordingID,
		OverlayInjected: res.OverlayInjected,
	})
}

// Stop handles POST /api/recording/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Stop(r.Context()); err != nil {
		if errors.Is(err, ErrNotRecording) {
			writeJSON(w, http.StatusConflict, statusResponse{Error: err.Error()})
			return
		}
		h.log.Error("stop recording failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true})
}

// State handles GET /api/recording/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	snap, err := h.coord.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
