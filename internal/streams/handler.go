package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"camstream/internal/platform/metrics"
)

// Handler exposes the stream registry over HTTP using go-chi.
type Handler struct {
	mgr     *Manager
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over the given Manager. Metrics may be nil
// to disable metric recording (e.g. in tests).
func NewHandler(mgr *Manager, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{mgr: mgr, log: log, metrics: m}
}

// startRequest is the JSON body for POST /streams.
type startRequest struct {
	ID            string `json:"id"`
	CameraID      string `json:"camera_id"`
	SourceAddress string `json:"source_address"`
	Quality       string `json:"quality"`
}

// CreateStream handles POST /streams.
// Body: { "id": "cam1", "source_address": "rtsp://...", "quality": "medium" }.
// Returns 201 with the new stream snapshot, or 200 with the existing one
// when the id is already active (idempotent retries).
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	snap, created, err := h.mgr.Start(r.Context(), StartRequest{
		ID:            req.ID,
		CameraID:      req.CameraID,
		SourceAddress: req.SourceAddress,
		Quality:       QualityPreset(req.Quality),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAtCapacity):
			h.log.Info("start rejected at capacity", slog.String("stream_id", req.ID))
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, ErrUnknownPreset), errors.Is(err, ErrNoSource):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, ErrLaunchFailed):
			h.log.Error("stream launch failed",
				slog.String("stream_id", req.ID),
				slog.String("error", err.Error()))
			writeError(w, http.StatusBadGateway, err)
		default:
			h.log.Error("start stream failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}

// StopStream handles DELETE /streams/{stream_id}.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.mgr.Stop(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("stop stream failed", slog.String("stream_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("stream stop requested", slog.String("stream_id", id))
	w.WriteHeader(http.StatusOK)
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	snap, ok := h.mgr.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListStreams handles GET /streams. Snapshots come back in insertion order.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	snaps := h.mgr.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"streams": snaps,
		"active":  h.mgr.ActiveCount(),
		"total":   len(snaps),
	})
}

// StreamEvents handles GET /streams/{stream_id}/events: a server-sent
// event feed of the stream's lifecycle notifications. A subscriber of an
// existing stream receives its current status first.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sub := h.mgr.Subscribe(id)
	defer h.mgr.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("marshal event", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
