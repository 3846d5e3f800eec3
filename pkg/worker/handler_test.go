package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/nightowl/internal/store"
)

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/register", h.HandleRegister)
	r.Get("/register/{workerId}/status", h.HandleStatus)
	return r
}

// TestHandler_StatusReturnsCredentialWithoutSecretStore covers the default,
// non-Vault configuration (§8 scenario 4): an approved worker's status
// response must still carry a usable rabbitmqUrl even when no secret
// manager is configured, falling back to the password stored on the record.
func TestHandler_StatusReturnsCredentialWithoutSecretStore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	s := NewStore(kv, nil)
	h := NewHandler(s, kv, "", "broker.example.org", 5)

	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)
	_, cred, err := s.Approve(ctx, "w1", "admin-1", "auto")
	require.NoError(t, err)

	router := newTestRouter(h)
	req := httptest.NewRequest(http.MethodGet, "/register/w1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Approved)
	require.Equal(t, "auto", resp.Region)
	require.True(t, strings.Contains(resp.RabbitMQURL, cred.Username))
	require.True(t, strings.Contains(resp.RabbitMQURL, cred.Password))
	require.True(t, strings.HasSuffix(resp.RabbitMQURL, "@broker.example.org:5672"))
}

// TestHandler_StatusOmitsCredentialWhenPending covers the pre-approval case:
// no credential has been issued yet, so the response carries no rabbitmqUrl.
func TestHandler_StatusOmitsCredentialWhenPending(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	s := NewStore(kv, nil)
	h := NewHandler(s, kv, "", "broker.example.org", 5)

	_, err := s.Register(ctx, RegisterRequest{WorkerID: "w1", Hostname: "h", OwnerEmail: "e@x.io"})
	require.NoError(t, err)

	router := newTestRouter(h)
	req := httptest.NewRequest(http.MethodGet, "/register/w1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Approved)
	require.Empty(t, resp.RabbitMQURL)
}
