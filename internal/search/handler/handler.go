package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modhub/internal/search/models"
	"modhub/pkg/platform/httputil"
	"modhub/pkg/requestcontext"
)

// Service defines the search operations the handler exposes.
type Service interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.Result, error)
	Files(ctx context.Context, req models.FilesRequest) (*models.Result, error)
	Feedback(ctx context.Context, req models.FeedbackRequest) (*models.Feedback, error)
}

// Handler serves relevance search endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a search handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts search endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/query", h.HandleQuery)
	r.Post("/files", h.HandleFiles)
	r.Post("/feedback", h.HandleFeedback)
}

// HandleQuery handles POST /query.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[QueryRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.service.Query(ctx, req.ToModel())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleFiles handles POST /files.
func (h *Handler) HandleFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[FilesRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.service.Files(ctx, req.ToModel())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleFeedback handles POST /feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[FeedbackRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	fb, err := h.service.Feedback(ctx, models.FeedbackRequest{Module: req.Module})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "module reviewed",
		"request_id", requestID,
		"module", fb.Module,
		"score", fb.Score,
	)
	httputil.WriteJSON(w, http.StatusOK, fb)
}
