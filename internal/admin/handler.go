package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradefinance-backend/internal/httpx"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/validation"
)

type Handler struct {
	service *Service
	val     *validation.Validator
	log     *slog.Logger
}

func NewHandler(service *Service, val *validation.Validator, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		val:     val,
		log:     log,
	}
}

// Routes expects to be mounted under /api/admin behind admin auth.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/dashboard", h.Dashboard)
	r.Get("/metrics", h.Metrics)
	r.Get("/export", h.Export)
	r.Post("/leads/bulk", h.Bulk)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	dash, err := h.service.Dashboard(ctx)
	if err != nil {
		log.Error("admin dashboard: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, dash)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	days := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			transport.WriteError(w, http.StatusBadRequest, "invalid days", nil)
			return
		}
		days = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	metrics, err := h.service.Metrics(ctx, days)
	if errors.Is(err, ErrInvalidDays) {
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		log.Error("admin metrics: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, metrics)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	filter, details := leads.ParseFilter(r.URL.Query(), h.service.loc)
	if details != nil {
		transport.WriteError(w, http.StatusBadRequest, "validation error", details)
		return
	}
	if filter.Status != "" && !leads.IsValidStatus(filter.Status) {
		transport.WriteError(w, http.StatusBadRequest, "validation error", map[string]string{"status": "oneof"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	filename := "leads-" + h.service.now().In(h.service.loc).Format("20060102") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	rows, err := h.service.Export(ctx, w, filter)
	if err != nil {
		// Status is already written.
		log.Error("admin export: stream failed", slog.Int("rows", rows), slog.String("error", err.Error()))
		return
	}
	log.Info("admin export: ok",
		slog.Int("rows", rows),
		slog.String("admin", middleware.AdminName(r.Context(), "admin")),
	)
}

func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)

	var req BulkRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("admin bulk: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("admin bulk: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	res, err := h.service.Bulk(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrBulkStatus), errors.Is(err, ErrBulkTags), errors.Is(err, ErrBulkAction):
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, ErrNoAutomation):
		transport.WriteError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	default:
		log.Error("admin bulk: failed", slog.String("action", req.Action), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "bulk action failed", nil)
		return
	}

	log.Info("admin bulk: ok",
		slog.String("action", res.Action),
		slog.Int("requested", res.Requested),
		slog.Int64("affected", res.Affected),
		slog.Int("failed", len(res.Failed)),
		slog.String("admin", middleware.AdminName(r.Context(), "admin")),
	)
	transport.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) logWithRequest(r *http.Request) *slog.Logger {
	if r == nil {
		return h.log
	}
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return h.log.With(slog.String("request_id", id))
	}
	return h.log
}
