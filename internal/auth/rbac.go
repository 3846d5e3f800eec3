package auth

import (
	"net/http"

	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/pkg/user"
)

// roleLevel maps roles to a numeric privilege level for hierarchical checks.
var roleLevel = map[user.Role]int{
	user.RolePlatformAdmin: 50,
	user.RoleOwner:         40,
	user.RoleAdmin:         30,
	user.RoleEditor:        20,
	user.RoleViewer:        10,
}

// RequireAuth rejects requests that have no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that rejects requests whose identity does
// not hold one of the listed roles (exact match).
func RequireRole(allowed ...user.Role) func(http.Handler) http.Handler {
	set := make(map[user.Role]struct{}, len(allowed))
	for _, r := range allowed {
		set[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				httpserver.RespondError(w, http.StatusForbidden, "forbidden", "authentication required")
				return
			}
			if _, ok := set[id.Role]; !ok {
				httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinRole returns middleware that rejects requests whose identity has
// a lower privilege level than minRole. RequireMinRole(RoleAdmin) permits
// owner, admin, and platform_admin.
func RequireMinRole(minRole user.Role) func(http.Handler) http.Handler {
	minLevel := roleLevel[minRole]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				httpserver.RespondError(w, http.StatusForbidden, "forbidden", "authentication required")
				return
			}
			if roleLevel[id.Role] < minLevel {
				httpserver.RespondError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
