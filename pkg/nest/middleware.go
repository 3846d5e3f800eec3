package nest

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/store"
)

// Resolver identifies the nest subdomain for the current request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderResolver resolves the nest from the X-Nest-Subdomain header.
// Intended for development and service-to-service calls; browser-facing
// routes resolve the nest from the session JWT's nest claim instead.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	sub := r.Header.Get("X-Nest-Subdomain")
	if sub == "" {
		return "", fmt.Errorf("missing X-Nest-Subdomain header")
	}
	return sub, nil
}

// Middleware resolves the nest for each request via resolver and stores it
// in the request context, rejecting the request if no matching nest exists.
func Middleware(kv store.Store, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	nests := NewStore(kv)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subdomain, err := resolver.Resolve(r)
			if err != nil {
				httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindAuthorization, "resolving nest", err))
				return
			}

			n, err := nests.GetBySubdomain(r.Context(), subdomain)
			if err != nil {
				httpserver.RespondAppErr(w, r, err)
				return
			}

			logger.Debug("nest resolved", "nest_id", n.ID, "subdomain", n.Subdomain)
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), n)))
		})
	}
}
