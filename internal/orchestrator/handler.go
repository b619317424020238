package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"rundown-orchestrator/internal/lockqueue"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/metrics"
	"rundown-orchestrator/internal/playout"

	"github.com/go-chi/chi/v5"
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// PutRundown handles PUT /studios/{studio_id}/rundowns/{rundown_id}.
// Body: a full ingest rundown. The path id is the rundown's external id.
func (h *Handler) PutRundown(w http.ResponseWriter, r *http.Request) {
	studioID := model.StudioID(chi.URLParam(r, "studio_id"))
	rundownExt := chi.URLParam(r, "rundown_id")
	if studioID == "" || rundownExt == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var rundown model.IngestRundown
	if err := json.NewDecoder(r.Body).Decode(&rundown); err != nil {
		h.log.Debug("invalid rundown body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if rundown.ExternalID == "" {
		rundown.ExternalID = rundownExt
	}
	if rundown.ExternalID != rundownExt {
		h.log.Debug("rundown id mismatch",
			slog.String("path", rundownExt),
			slog.String("body", rundown.ExternalID))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.IngestRundown(r.Context(), studioID, rundown)
	if err != nil {
		h.fail(w, "ingest rundown failed", err, slog.String("rundown", rundownExt))
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// DeleteRundown handles DELETE /studios/{studio_id}/rundowns/{rundown_id}.
func (h *Handler) DeleteRundown(w http.ResponseWriter, r *http.Request) {
	studioID := model.StudioID(chi.URLParam(r, "studio_id"))
	rundownExt := chi.URLParam(r, "rundown_id")
	if studioID == "" || rundownExt == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.RemoveRundown(r.Context(), studioID, rundownExt)
	if err != nil {
		h.fail(w, "remove rundown failed", err, slog.String("rundown", rundownExt))
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// PutSegment handles PUT /studios/{studio_id}/rundowns/{rundown_id}/segments/{segment_id}.
// Body: one ingest segment with its parts.
func (h *Handler) PutSegment(w http.ResponseWriter, r *http.Request) {
	studioID := model.StudioID(chi.URLParam(r, "studio_id"))
	rundownExt := chi.URLParam(r, "rundown_id")
	segmentExt := chi.URLParam(r, "segment_id")
	if studioID == "" || rundownExt == "" || segmentExt == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var segment model.IngestSegment
	if err := json.NewDecoder(r.Body).Decode(&segment); err != nil {
		h.log.Debug("invalid segment body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if segment.ExternalID == "" {
		segment.ExternalID = segmentExt
	}
	if segment.ExternalID != segmentExt {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.IngestSegment(r.Context(), studioID, rundownExt, segment)
	if err != nil {
		h.fail(w, "ingest segment failed", err,
			slog.String("rundown", rundownExt),
			slog.String("segment", segmentExt))
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// DeleteSegment handles DELETE /studios/{studio_id}/rundowns/{rundown_id}/segments/{segment_id}.
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	studioID := model.StudioID(chi.URLParam(r, "studio_id"))
	rundownExt := chi.URLParam(r, "rundown_id")
	segmentExt := chi.URLParam(r, "segment_id")
	if studioID == "" || rundownExt == "" || segmentExt == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.RemoveSegment(r.Context(), studioID, rundownExt, segmentExt)
	if err != nil {
		h.fail(w, "remove segment failed", err,
			slog.String("rundown", rundownExt),
			slog.String("segment", segmentExt))
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetPlaylist handles GET /studios/{studio_id}/playlists/{playlist_id}.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	studioID, playlistID, ok := playlistParams(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	view, err := h.svc.GetPlaylist(r.Context(), studioID, playlistID)
	if err != nil {
		h.fail(w, "get playlist failed", err, slog.String("playlist_id", string(playlistID)))
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// Activate handles POST /studios/{studio_id}/playlists/{playlist_id}/activate.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	h.playout(w, r, "activate", h.svc.ActivatePlaylist)
}

// Deactivate handles POST /studios/{studio_id}/playlists/{playlist_id}/deactivate.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.playout(w, r, "deactivate", h.svc.Deactivate)
}

// Take handles POST /studios/{studio_id}/playlists/{playlist_id}/take.
func (h *Handler) Take(w http.ResponseWriter, r *http.Request) {
	h.playout(w, r, "take", h.svc.Take)
}

// SetNext handles POST /studios/{studio_id}/playlists/{playlist_id}/next.
// Body: { "partId": "..." }.
func (h *Handler) SetNext(w http.ResponseWriter, r *http.Request) {
	var req SetNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PartID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.playout(w, r, "set next", func(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error) {
		return h.svc.SetNextPart(ctx, studioID, playlistID, req.PartID)
	})
}

type playoutFunc func(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error)

func (h *Handler) playout(w http.ResponseWriter, r *http.Request, op string, fn playoutFunc) {
	studioID, playlistID, ok := playlistParams(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	view, err := fn(r.Context(), studioID, playlistID)
	if err != nil {
		h.fail(w, op+" failed", err, slog.String("playlist_id", string(playlistID)))
		return
	}
	h.log.Info("playout "+op,
		slog.String("studio_id", string(studioID)),
		slog.String("playlist_id", string(playlistID)))
	h.writeJSON(w, http.StatusOK, view)
}

// WorkStatus handles GET /admin/work.
func (h *Handler) WorkStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.WorkStatus())
}

// Drain handles POST /admin/drain. It returns once every queued job has finished.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Drain(r.Context()); err != nil {
		h.log.Error("drain failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.log.Info("lock queues drained")
	w.WriteHeader(http.StatusNoContent)
}

func playlistParams(r *http.Request) (model.StudioID, model.PlaylistID, bool) {
	studioID := model.StudioID(chi.URLParam(r, "studio_id"))
	playlistID := model.PlaylistID(chi.URLParam(r, "playlist_id"))
	return studioID, playlistID, studioID != "" && playlistID != ""
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrStudioNotFound),
		errors.Is(err, ErrRundownNotFound),
		errors.Is(err, ErrSegmentNotFound),
		errors.Is(err, ErrPlaylistNotFound),
		errors.Is(err, playout.ErrPartNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSnapshot),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, playout.ErrPartNotPlayable):
		return http.StatusBadRequest
	case errors.Is(err, playout.ErrNotActive),
		errors.Is(err, playout.ErrNoNextPart):
		return http.StatusConflict
	case errors.Is(err, lockqueue.ErrDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error, attrs ...any) {
	status := statusOf(err)
	attrs = append(attrs, slog.String("error", err.Error()), slog.Int("status", status))
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, attrs...)
	} else {
		h.log.Info(msg, attrs...)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
