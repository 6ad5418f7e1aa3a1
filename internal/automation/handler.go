package automation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradefinance-backend/internal/httpx"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/queue"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/validation"
)

type Handler struct {
	seq *Sequencer
	val *validation.Validator
	log *slog.Logger
}

func NewHandler(seq *Sequencer, val *validation.Validator, log *slog.Logger) *Handler {
	return &Handler{
		seq: seq,
		val: val,
		log: log,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/leads/{id}", h.LeadState)
	r.Post("/trigger", h.Trigger)
	r.Get("/queues", h.Queues)
	r.Get("/queues/{name}/jobs", h.ListJobs)
	r.Delete("/queues/{name}/jobs/{jobID}", h.RemoveJob)
	r.Post("/queues/{name}/jobs/{jobID}/retry", h.RetryJob)
	r.Post("/queues/{name}/jobs/{jobID}/run", h.RunJob)
	r.Post("/queues/{name}/retry-failed", h.RetryFailed)
	r.Post("/retry-failed", h.RetryFailed)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.seq.Status(ctx)
	if err != nil {
		log.Error("automations status: queue error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) LeadState(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.seq.LeadState(ctx, id)
	if err != nil {
		if errors.Is(err, leads.ErrNotFound) {
			transport.WriteError(w, http.StatusNotFound, "lead not found", nil)
			return
		}
		log.Error("automations lead: lookup failed", slog.String("lead_id", id), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)

	var req TriggerRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("automations trigger: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("automations trigger: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}
	if req.Action == ActionFollowUp && req.Step == 0 {
		transport.WriteError(w, http.StatusBadRequest, "validation error", map[string]string{"Step": "required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	result, err := h.seq.Trigger(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, leads.ErrNotFound):
		transport.WriteError(w, http.StatusNotFound, "lead not found", nil)
		return
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrProviderDisabled):
		transport.WriteError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	case errors.Is(err, ErrNoPhone), errors.Is(err, ErrTerminalLead), errors.Is(err, ErrInvalidStep), errors.Is(err, ErrUnknownAction):
		transport.WriteError(w, http.StatusConflict, err.Error(), nil)
		return
	default:
		log.Error("automations trigger: failed",
			slog.String("lead_id", req.LeadID),
			slog.String("action", req.Action),
			slog.String("error", err.Error()),
		)
		transport.WriteError(w, http.StatusInternalServerError, "trigger failed", nil)
		return
	}

	log.Info("automations trigger: ok",
		slog.String("lead_id", req.LeadID),
		slog.String("action", req.Action),
		slog.String("admin", middleware.AdminName(r.Context(), "admin")),
	)
	transport.WriteJSON(w, http.StatusAccepted, result)
}

func (h *Handler) Queues(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.seq.QueueStats(ctx)
	if err != nil {
		log.Error("automations queues: stats failed", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}

func (h *Handler) queueFromPath(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := chi.URLParam(r, "name")
	q, ok := h.seq.queues.ByName(name)
	if !ok {
		transport.WriteError(w, http.StatusNotFound, "queue not found", nil)
		return nil, false
	}
	return q, true
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	q, ok := h.queueFromPath(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	state := strings.TrimSpace(query.Get("state"))
	if state == "" {
		state = queue.StateFailed
	}
	limit, offset, err := httpx.ParseLimitOffset(query, 20, 100)
	if err != nil {
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	jobs, err := q.List(ctx, state, offset, limit)
	if errors.Is(err, queue.ErrInvalidState) {
		transport.WriteError(w, http.StatusBadRequest, "invalid state", map[string]string{"state": state})
		return
	}
	if err != nil {
		log.Error("automations jobs: list failed", slog.String("queue", q.Name()), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queue":  q.Name(),
		"state":  state,
		"items":  jobs,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) RemoveJob(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	q, ok := h.queueFromPath(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	removed, err := q.Remove(ctx, jobID)
	if err != nil {
		log.Error("automations jobs: remove failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	if !removed {
		transport.WriteError(w, http.StatusNotFound, "job not found or running", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	q, ok := h.queueFromPath(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	retried, err := q.Retry(ctx, jobID)
	if err != nil {
		log.Error("automations jobs: retry failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	if !retried {
		transport.WriteError(w, http.StatusNotFound, "failed job not found", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"retried": 1})
}

// RunJob moves a delayed, retrying or failed job to the front of its queue.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	q, ok := h.queueFromPath(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ran, err := q.RunNow(ctx, jobID)
	if err != nil {
		log.Error("automations jobs: run failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	if !ran {
		transport.WriteError(w, http.StatusNotFound, "job not found or running", nil)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"queued": jobID})
}

// RetryFailed serves both the per-queue and the all-queues route.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	name := chi.URLParam(r, "name")

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	retried, err := h.seq.RetryFailed(ctx, name)
	if errors.Is(err, ErrUnknownQueue) {
		transport.WriteError(w, http.StatusNotFound, "queue not found", nil)
		return
	}
	if err != nil {
		log.Error("automations retry: failed", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "queue error", nil)
		return
	}
	log.Info("automations retry: ok", slog.Any("retried", retried))
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"retried": retried})
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
