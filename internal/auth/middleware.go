package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware requires a valid bearer token on every request. Browsers cannot
// set headers on websocket upgrades, so an access_token query parameter is
// accepted as well. With auth disabled requests pass through unscoped.
func Middleware(service *JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := extractBearer(r)
			if token == "" {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			principal, err := service.Validate(token)
			if err != nil {
				logger.Warn("jwt validation failed", "error", err, "path", r.URL.Path)
				msg := "invalid token"
				if errors.Is(err, ErrMissingOrgClaim) {
					msg = "token has no organization"
				}
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func extractBearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
