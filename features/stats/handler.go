package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"taskforge/features/job"
	"taskforge/internal/middleware"
)

type JobStats interface {
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}

type Handler struct {
	jobs JobStats
}

func NewHandler(j JobStats) *Handler {
	return &Handler{jobs: j}
}

type StatsResponse struct {
	Total    int                `json:"total"`
	ByStatus map[job.Status]int `json:"byStatus"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	counts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		if errors.Is(err, job.ErrStoreUnavailable) {
			h.writeError(ctx, w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		h.writeError(ctx, w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{ByStatus: make(map[job.Status]int, len(job.Statuses))}
	for _, s := range job.Statuses {
		resp.ByStatus[s] = counts[s]
		resp.Total += counts[s]
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
