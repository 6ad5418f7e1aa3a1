package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"tradefinance-backend/internal/auth"
	"tradefinance-backend/internal/transport"
)

type adminKey struct{}

// Admin identifies who passed AdminAuth.
type Admin struct {
	Username string
	Role     string
	Method   string
}

const apiKeyAdmin = "api-key"

// AdminAuth accepts the static X-Admin-Key, a bearer access token or the
// access cookie, in that order.
func AdminAuth(adminAPIKey string, manager *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminAPIKey == "" && manager == nil {
				transport.WriteError(w, http.StatusServiceUnavailable, "admin auth not configured", nil)
				return
			}

			if adminAPIKey != "" {
				if key := r.Header.Get("X-Admin-Key"); key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(adminAPIKey)) == 1 {
					next.ServeHTTP(w, withAdmin(r, Admin{Username: apiKeyAdmin, Role: auth.RoleAdmin, Method: "key"}))
					return
				}
			}

			if manager != nil {
				if token, method := accessToken(r); token != "" {
					claims, err := manager.ParseAs(token, auth.TokenAccess)
					if err == nil && claims.Role == auth.RoleAdmin {
						next.ServeHTTP(w, withAdmin(r, Admin{Username: claims.Subject, Role: claims.Role, Method: method}))
						return
					}
				}
			}

			transport.WriteError(w, http.StatusUnauthorized, "unauthorized", nil)
		})
	}
}

func accessToken(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token), "bearer"
		}
	}
	if cookie, err := r.Cookie(auth.AccessCookie); err == nil && cookie.Value != "" {
		return cookie.Value, "cookie"
	}
	return "", ""
}

func withAdmin(r *http.Request, admin Admin) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), adminKey{}, admin))
}

func AdminFromContext(ctx context.Context) (Admin, bool) {
	admin, ok := ctx.Value(adminKey{}).(Admin)
	return admin, ok
}

// AdminName returns the acting admin's username, or fallback when the
// request is not authenticated.
func AdminName(ctx context.Context, fallback string) string {
	if admin, ok := AdminFromContext(ctx); ok && admin.Username != "" {
		return admin.Username
	}
	return fallback
}
