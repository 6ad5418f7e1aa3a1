package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tradefinance-backend/internal/auth"
	"tradefinance-backend/internal/httpx"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/validation"
)

// refreshCookiePath scopes the refresh cookie to the admin auth routes.
const refreshCookiePath = "/api/admin"

type Handler struct {
	service      *Service
	val          *validation.Validator
	log          *slog.Logger
	cookieSecure bool
}

func NewHandler(service *Service, val *validation.Validator, log *slog.Logger, cookieSecure bool) *Handler {
	return &Handler{
		service:      service,
		val:          val,
		log:          log,
		cookieSecure: cookieSecure,
	}
}

// SessionRoutes are reachable without a session.
func (h *Handler) SessionRoutes(r chi.Router) {
	r.Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
	r.Post("/logout", h.Logout)
}

// UserRoutes must sit behind admin auth.
func (h *Handler) UserRoutes(r chi.Router) {
	r.Post("/users", h.Create)
	r.Patch("/users/{id}/password", h.ChangePassword)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	var req LoginRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("admin login: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("admin login: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	session, err := h.service.Login(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConfigured):
		log.Warn("admin login: not configured")
		transport.WriteError(w, http.StatusServiceUnavailable, "admin auth not configured", nil)
		return
	case errors.Is(err, ErrInvalidCredentials):
		log.Warn("admin login: invalid credentials", slog.String("username", req.Username))
		transport.WriteError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	default:
		log.Error("admin login: failed", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "login failed", nil)
		return
	}

	h.setAuthCookies(w, session)
	log.Info("admin login: ok", slog.String("username", session.Username))
	transport.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)

	token := ""
	if cookie, err := r.Cookie(auth.RefreshCookie); err == nil {
		token = cookie.Value
	}
	if token == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if r.ContentLength != 0 && httpx.DecodeJSON(r.Body, &body) == nil {
			token = strings.TrimSpace(body.RefreshToken)
		}
	}
	if token == "" {
		log.Warn("admin refresh: missing refresh token")
		transport.WriteError(w, http.StatusUnauthorized, "missing refresh token", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	session, err := h.service.Refresh(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConfigured):
		transport.WriteError(w, http.StatusServiceUnavailable, "admin auth not configured", nil)
		return
	case errors.Is(err, ErrInvalidCredentials):
		log.Warn("admin refresh: invalid refresh token")
		transport.WriteError(w, http.StatusUnauthorized, "invalid refresh token", nil)
		return
	default:
		log.Error("admin refresh: failed", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "refresh failed", nil)
		return
	}

	h.setAuthCookies(w, session)
	log.Info("admin refresh: ok", slog.String("username", session.Username))
	transport.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearAuthCookies(w)
	h.logWithRequest(r).Info("admin logout: ok")
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	var req CreateRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("admin users create: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	req.Username, req.Email = normalizeIdentity(req.Username, req.Email)
	if err := h.val.Struct(req); err != nil {
		log.Warn("admin users create: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := h.service.Create(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrWeakPassword):
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, ErrDuplicate):
		log.Warn("admin users create: duplicate", slog.String("username", req.Username))
		transport.WriteError(w, http.StatusConflict, "username already exists", nil)
		return
	default:
		log.Error("admin users create: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}

	log.Info("admin users create: ok",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("by", middleware.AdminName(r.Context(), "unknown")),
	)
	transport.WriteJSON(w, http.StatusCreated, user)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	log := h.logWithRequest(r)
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		log.Warn("admin users password: missing id")
		transport.WriteError(w, http.StatusBadRequest, "missing id", nil)
		return
	}

	var req PasswordRequest
	if err := httpx.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("admin users password: invalid json")
		transport.WriteError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		log.Warn("admin users password: validation error")
		transport.WriteError(w, http.StatusBadRequest, "validation error", httpx.ValidationDetails(h.val.ValidationErrors(err)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := h.service.ChangePassword(ctx, id, req, middleware.AdminName(r.Context(), ""))
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		log.Warn("admin users password: not found", slog.String("user_id", id))
		transport.WriteError(w, http.StatusNotFound, "user not found", nil)
		return
	case errors.Is(err, ErrInvalidCredentials):
		transport.WriteError(w, http.StatusForbidden, "current password is incorrect", nil)
		return
	case errors.Is(err, auth.ErrWeakPassword):
		transport.WriteError(w, http.StatusBadRequest, err.Error(), nil)
		return
	default:
		log.Error("admin users password: database error", slog.String("error", err.Error()))
		transport.WriteError(w, http.StatusInternalServerError, "database error", nil)
		return
	}

	log.Info("admin users password: ok", slog.String("user_id", id))
	transport.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) setAuthCookies(w http.ResponseWriter, s Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.AccessCookie,
		Value:    s.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   s.ExpiresIn,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     auth.RefreshCookie,
		Value:    s.RefreshToken,
		Path:     refreshCookiePath,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.service.manager.RefreshTTL.Seconds()),
	})
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	expire := time.Now().Add(-1 * time.Hour)
	for name, path := range map[string]string{auth.AccessCookie: "/", auth.RefreshCookie: refreshCookiePath} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			HttpOnly: true,
			Secure:   h.cookieSecure,
			SameSite: http.SameSiteLaxMode,
			Expires:  expire,
			MaxAge:   -1,
		})
	}
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
