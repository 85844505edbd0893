package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"modhub/internal/module/cache"
	"modhub/internal/module/models"
	"modhub/pkg/platform/httputil"
	"modhub/pkg/requestcontext"
)

// Service defines the module registry operations the handler exposes.
type Service interface {
	List(ctx context.Context, req models.ListRequest) (*models.ListResult, error)
	Add(ctx context.Context, req models.AddRequest) (*models.ModuleRecord, error)
	Remove(ctx context.Context, key string) error
	Get(ctx context.Context, key string, lite bool) (*models.ModuleRecord, error)
	Update(ctx context.Context, key string) (*models.UpdateResult, error)
	Describe(ctx context.Context, name string, lite bool) (*models.ModuleRecord, error)
	Check(ctx context.Context) ([]models.CheckedRecord, error)
	Refresh(ctx context.Context) (*cache.RebuildReport, error)
}

// Handler wires module endpoints to the module service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a module handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts module endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleAdd)
		r.Get("/check", h.HandleCheck)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/source/{name}", h.HandleDescribe)
		r.Get("/{key}", h.HandleGet)
		r.Delete("/{key}", h.HandleRemove)
		r.Post("/{key}/update", h.HandleUpdate)
	})
}

// HandleList handles GET /modules.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, err := parseListQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.List(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "module listing failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "modules listed",
		"request_id", requestID,
		"total", result.Total,
		"page", result.Page,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleAdd handles POST /modules.
func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AddModuleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	rec, err := h.service.Add(ctx, req.ToModel())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to add module",
			"request_id", requestID,
			"name", req.Name,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MessageResponse{
		Message: "module " + rec.Name + " added",
		Module:  rec,
	})
}

// HandleGet handles GET /modules/{key}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	lite, err := parseBool(r.URL.Query(), "lite", false)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Get(ctx, key, lite)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleRemove handles DELETE /modules/{key}.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	key := chi.URLParam(r, "key")

	if err := h.service.Remove(ctx, key); err != nil {
		h.logger.WarnContext(ctx, "failed to remove module",
			"request_id", requestID,
			"key", key,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MessageResponse{Message: "module " + key + " removed"})
}

// HandleUpdate handles POST /modules/{key}/update.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	key := chi.URLParam(r, "key")

	res, err := h.service.Update(ctx, key)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to update module",
			"request_id", requestID,
			"key", key,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleDescribe handles GET /modules/source/{name}.
func (h *Handler) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	lite, err := parseBool(r.URL.Query(), "lite", true)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Describe(ctx, name, lite)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleCheck handles GET /modules/check.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	checked, err := h.service.Check(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{Modules: checked})
}

// HandleRefresh handles POST /modules/refresh.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.service.Refresh(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "registry refresh failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromReport(report))
}
