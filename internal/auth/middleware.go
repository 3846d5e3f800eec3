package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/pkg/user"
)

func roleFromClaim(raw string) user.Role {
	return user.Role(raw)
}

// Middleware authenticates the caller via a Bearer session access token and
// stores the resulting Identity in the request context. Unlike the
// browser-facing admin surfaces this core does not implement (§5
// Non-goals), only session JWTs are accepted — no API keys, PATs, or OIDC.
func Middleware(sessionMgr *SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}
			raw := strings.TrimSpace(authHeader[len("Bearer "):])

			claims, err := sessionMgr.ValidateAccessToken(raw)
			if err != nil {
				logger.Warn("session token validation failed", "error", err)
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			userID, _ := uuid.Parse(claims.UserID)
			nestID, _ := uuid.Parse(claims.NestID)
			identity := &Identity{
				UserID:  userID,
				NestID:  nestID,
				Email:   claims.Email,
				Subject: claims.Subject,
				Role:    roleFromClaim(claims.Role),
				Method:  MethodSession,
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
		})
	}
}
