package leads

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradefinance-backend/internal/httpx"
	"tradefinance-backend/internal/metrics"
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

// Routes mounts the admin lead endpoints. Submit is public and mounted
// separately so it can carry its own rate limit.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/notes", h.AddNote)
	r.Get("/{id}/notes", h.ListNotes)
	r.Post("/{id}/communications", h.AddCommunication)
	r.Get("/{id}/communications", h.ListCommunications)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)

	var req SubmitRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("leads submit: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}

	if err := h.val.Struct(req); err != nil {
		log.Warn("leads submit: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	result, err := h.service.Submit(ctx, req, SubmitMeta{IPAddress: clientIP(r), UserAgent: r.UserAgent()})
	if err != nil {
		log.Error("leads submit: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}
	lead := result.Lead

	if result.Duplicate {
		log.Info("leads submit: merged into recent lead", slog.String("lead_id", lead.ID))
	} else {
		metrics.LeadsSubmitted.WithLabelValues(lead.FinanceRequest.Urgency, lead.Priority).Inc()
		go func(created Lead) {
			automationCtx, automationCancel := context.WithTimeout(context.Background(), 8*time.Second)
			defer automationCancel()
			if err := h.service.StartAutomation(automationCtx, created); err != nil {
				h.log.Warn("leads submit: automation start failed",
					slog.String("lead_id", created.ID),
					slog.String("error", err.Error()),
				)
			}
		}(lead)
		log.Info("leads submit: ok",
			slog.String("lead_id", lead.ID),
			slog.Int("lead_score", lead.LeadScore),
			slog.String("urgency", lead.FinanceRequest.Urgency),
		)
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	transport.WriteJSON(w, status, map[string]interface{}{
		"success":    true,
		"id":         lead.ID,
		"lead_score": lead.LeadScore,
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	query := r.URL.Query()
	limit, offset, err := httpx.ParseLimitOffset(query, 20, 100)
	if err != nil {
		log.Warn("leads list: invalid query", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	filter, details := parseFilter(query, h.service.location)
	if details != nil {
		transport.WriteError(w, http.StatusBadRequest, "invalid query", details)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	items, total, err := h.service.List(ctx, filter, limit, offset)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			transport.WriteError(w, http.StatusBadRequest, "invalid query", map[string]string{"status": "oneof"})
			return
		}
		log.Error("leads list: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}

	log.Info("leads list: ok", slog.Int("count", len(items)))
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"limit":  limit,
		"offset": offset,
		"total":  total,
	})
}

// parseFilter reads the list/export query parameters. The returned map is
// non-nil when a parameter is malformed.
func parseFilter(query map[string][]string, loc *time.Location) (ListFilter, map[string]string) {
	get := func(key string) string {
		if v, ok := query[key]; ok && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	filter := ListFilter{
		Status:    strings.ToLower(get("status")),
		Urgency:   strings.ToLower(get("urgency")),
		TradeType: strings.ToLower(get("trade_type")),
		Priority:  strings.ToLower(get("priority")),
		Tag:       strings.ToLower(get("tag")),
		Query:     get("q"),
	}
	if filter.Urgency != "" && !IsValidUrgency(filter.Urgency) {
		return filter, map[string]string{"urgency": "oneof"}
	}
	if filter.Priority != "" && filter.Priority != PriorityHot && filter.Priority != PriorityWarm && filter.Priority != PriorityCold {
		return filter, map[string]string{"priority": "oneof"}
	}
	if raw := get("min_score"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < MinScore || n > MaxScore {
			return filter, map[string]string{"min_score": "range"}
		}
		filter.MinScore = n
	}
	from, to, err := httpx.ParseDateRange(query, loc)
	if err != nil {
		return filter, map[string]string{"date": "format"}
	}
	filter.From, filter.To = from, to
	return filter, nil
}

// ParseFilter is the exported form used by the admin export.
func ParseFilter(query map[string][]string, loc *time.Location) (ListFilter, map[string]string) {
	return parseFilter(query, loc)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	lead, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeLookupError(w, log, "leads get", id, err)
		return
	}

	log.Info("leads get: ok", slog.String("lead_id", id))
	transport.WriteJSON(w, http.StatusOK, lead)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req UpdateRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("leads update: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("leads update: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	lead, err := h.service.Update(ctx, id, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidStatus):
			transport.WriteError(w, http.StatusBadRequest, "validation error", map[string]string{"status": "oneof"})
		case errors.Is(err, ErrEmptyUpdate):
			transport.WriteError(w, http.StatusBadRequest, "nothing to update", nil)
		default:
			h.writeLookupError(w, log, "leads update", id, err)
		}
		return
	}

	log.Info("leads update: ok", slog.String("lead_id", id), slog.String("status", lead.Status))
	transport.WriteJSON(w, http.StatusOK, lead)
}

func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req NoteRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("leads note: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("leads note: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	note, err := h.service.AddNote(ctx, id, req.Content, middleware.AdminName(r.Context(), "admin"))
	if err != nil {
		if errors.Is(err, ErrEmptyUpdate) {
			transport.WriteError(w, http.StatusBadRequest, "validation error", map[string]string{"content": "required"})
			return
		}
		h.writeLookupError(w, log, "leads note", id, err)
		return
	}

	log.Info("leads note: ok", slog.String("lead_id", id))
	transport.WriteJSON(w, http.StatusCreated, note)
}

func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	notes, err := h.service.ListNotes(ctx, id)
	if err != nil {
		h.writeLookupError(w, log, "leads notes", id, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": notes})
}

func (h *Handler) AddCommunication(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	var req CommunicationRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("leads communication: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("leads communication: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
	defer cancel()

	comm, err := h.service.AddCommunication(ctx, id, req, middleware.AdminName(r.Context(), "admin"))
	if err != nil {
		h.writeLookupError(w, log, "leads communication", id, err)
		return
	}

	log.Info("leads communication: ok",
		slog.String("lead_id", id),
		slog.String("channel", comm.Channel),
		slog.String("direction", comm.Direction),
	)
	transport.WriteJSON(w, http.StatusCreated, comm)
}

func (h *Handler) ListCommunications(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	comms, err := h.service.ListCommunications(ctx, id)
	if err != nil {
		h.writeLookupError(w, log, "leads communications", id, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": comms})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, log *slog.Logger, area, id string, err error) {
	if errors.Is(err, ErrNotFound) {
		log.Warn(area+": not found", slog.String("lead_id", id))
		transport.WriteError(w, http.StatusNotFound, "lead not found", nil)
		return
	}
	log.Error(area+": database error", slog.String("lead_id", id), slog.String("error", err.Error()))
	transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
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

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
