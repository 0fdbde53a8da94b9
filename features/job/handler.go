package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"taskforge/internal/middleware"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		verr := &ValidationError{Details: Details{Errors: []string{"Request body is too large or unreadable"}}}
		h.writeValidation(ctx, w, "Invalid request body", verr)
		return
	}

	req, err := ParseCreateRequest(body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.writeValidation(ctx, w, "Invalid request body", verr)
			return
		}
		h.writeStoreError(ctx, w, err)
		return
	}

	j, err := h.service.Create(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create job", "error", err, "type", req.Type)
		h.writeStoreError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, Created{ID: j.ID, Status: j.Status, CreatedAt: j.CreatedAt})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	j, err := h.service.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.ErrorContext(ctx, "failed to get job", "id", id, "error", err)
		}
		h.writeStoreError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, j)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts, verr := parseListQuery(r)
	if verr != nil {
		h.writeValidation(ctx, w, "Invalid query parameters", verr)
		return
	}

	page, err := h.service.List(ctx, opts)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		h.writeStoreError(ctx, w, err)
		return
	}

	resp := map[string]interface{}{"job": page.Jobs}
	if page.NextCursor != nil {
		resp["nextCursor"] = page.NextCursor.Encode()
	}
	h.writeJSON(ctx, w, http.StatusOK, resp)
}

func parseListQuery(r *http.Request) (ListOpts, *ValidationError) {
	var opts ListOpts
	verr := &ValidationError{Details: Details{Errors: []string{}}}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			verr.addField("limit", "Limit must be a positive integer")
		} else {
			opts.Limit = n
		}
	}
	if v := q.Get("cursor"); v != "" {
		c, err := DecodeCursor(v)
		if err != nil {
			verr.addField("cursor", "Cursor is invalid")
		} else {
			opts.Cursor = c
		}
	}
	if v := q.Get("status"); v != "" {
		if s := Status(v); s.Valid() {
			opts.Status = s
		} else {
			verr.addField("status", "Status is not a known job status")
		}
	}

	if !verr.empty() {
		return ListOpts{}, verr
	}
	return opts, nil
}

func (h *Handler) writeValidation(ctx context.Context, w http.ResponseWriter, message string, verr *ValidationError) {
	slog.InfoContext(ctx, "request rejected", "error", verr.Error())
	h.writeJSON(ctx, w, http.StatusBadRequest, map[string]interface{}{
		"error":   message,
		"details": verr.Details,
	})
}

// writeStoreError maps service errors onto HTTP statuses.
func (h *Handler) writeStoreError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "Job not found"})
	case errors.Is(err, ErrStoreUnavailable):
		h.writeJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "Service unavailable"})
	default:
		h.writeJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err, "correlationId", middleware.GetCorrelationID(ctx))
	}
}
