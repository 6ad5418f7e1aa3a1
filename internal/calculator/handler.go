package calculator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tradefinance-backend/internal/httpx"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/validation"
)

type Handler struct {
	val *validation.Validator
	log *slog.Logger
}

func NewHandler(val *validation.Validator, log *slog.Logger) *Handler {
	return &Handler{val: val, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/{kind}", h.Calculate)
}

func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	kind := chi.URLParam(r, "kind")

	var (
		result interface{}
		err    error
	)
	switch kind {
	case KindBusinessLoan:
		var req LoanRequest
		if !h.decode(w, r, &req) {
			return
		}
		result = BusinessLoan(req)
	case KindEquipment:
		var req EquipmentRequest
		if !h.decode(w, r, &req) {
			return
		}
		result, err = Equipment(req)
	case KindVehicle:
		var req VehicleRequest
		if !h.decode(w, r, &req) {
			return
		}
		result, err = Vehicle(req)
	case KindInvoice:
		var req InvoiceRequest
		if !h.decode(w, r, &req) {
			return
		}
		result = Invoice(req)
	case KindAffordability:
		var req AffordabilityRequest
		if !h.decode(w, r, &req) {
			return
		}
		result, err = Affordability(req)
	default:
		transport.WriteError(w, http.StatusNotFound, ErrUnknownKind.Error(), nil)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, ErrDepositTooLarge), errors.Is(err, ErrBalloonTooLarge), errors.Is(err, ErrNoAffordableDebt):
			transport.WriteError(w, http.StatusUnprocessableEntity, err.Error(), nil)
		default:
			log.Error("calculator: failed", slog.String("kind", kind), slog.String("error", err.Error()))
			transport.WriteError(w, http.StatusInternalServerError, "calculation failed", nil)
		}
		return
	}

	transport.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"kind":   kind,
		"result": result,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := httpx.DecodeJSON(r.Body, dst); err != nil {
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return false
	}
	if err := h.val.Struct(dst); err != nil {
		h.logWithRequest(r).Warn("calculator: validation error", slog.String("kind", chi.URLParam(r, "kind")))
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return false
	}
	return true
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
