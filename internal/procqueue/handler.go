package procqueue

import (
	"net/http"
	"strconv"

	"github.com/calegria/stashline/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const defaultFailedLimit = 100

// Handler exposes the operator surface of the queue: failed-tracker
// inspection, queue stats, and manual resolution of failed trackers.
type Handler struct {
	service *Service
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers queue routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.getStats)
		r.Get("/failed", h.listFailed)
		r.Post("/failed/{trackerID}/retry", h.retryFailed)
		r.Delete("/failed/{trackerID}", h.discardFailed)
	})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.JSON(w, http.StatusOK, stats)
}

func (h *Handler) listFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	failed, err := h.service.FailedTrackers(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"failed": failed})
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	trackerID := chi.URLParam(r, "trackerID")

	if err := h.service.RetryTracker(r.Context(), trackerID); err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrTrackerNotFound, Status: http.StatusNotFound},
		})
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) discardFailed(w http.ResponseWriter, r *http.Request) {
	trackerID := chi.URLParam(r, "trackerID")

	if err := h.service.DiscardTracker(r.Context(), trackerID); err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: ErrTrackerNotFound, Status: http.StatusNotFound},
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
