package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/secretstore"
	"github.com/wisbric/nightowl/internal/store"
	"github.com/wisbric/nightowl/internal/telemetry"
)

const registrationWindow = time.Hour

// Handler serves the worker registration HTTP surface (§6).
type Handler struct {
	store             *Store
	kv                store.Store
	registrationToken string
	maxPerIPPerHour   int
	brokerHost        string
}

// NewHandler builds a registration Handler. registrationToken, when
// non-empty, is required via X-Registration-Token on POST /register.
func NewHandler(s *Store, kv store.Store, registrationToken, brokerHost string, maxPerIPPerHour int) *Handler {
	return &Handler{store: s, kv: kv, registrationToken: registrationToken, maxPerIPPerHour: maxPerIPPerHour, brokerHost: brokerHost}
}

type registerResponse struct {
	WorkerID string `json:"workerId"`
	Approved bool   `json:"approved"`
	Message  string `json:"message,omitempty"`
}

// HandleRegister serves POST /register (§4.2, §6).
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if h.registrationToken != "" && r.Header.Get("X-Registration-Token") != h.registrationToken {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, "invalid registration token"))
		return
	}

	ip := clientIP(r)
	n, err := h.kv.Increment(r.Context(), store.RegistrationRateLimitKey(ip), registrationWindow)
	if err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindTransient, "checking registration rate limit", err))
		return
	}
	if int(n) > h.maxPerIPPerHour {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindRateLimited, "too many registrations from this address"))
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindValidation, "decoding registration body", err))
		return
	}
	req.IP = ip

	reg, err := h.store.Register(r.Context(), req)
	if err != nil {
		httpserver.RespondAppErr(w, r, err)
		return
	}
	telemetry.WorkersRegisteredTotal.Inc()

	httpserver.Respond(w, http.StatusAccepted, registerResponse{
		WorkerID: reg.WorkerID,
		Approved: reg.Approved,
		Message:  "registration received, awaiting administrator approval",
	})
}

type statusResponse struct {
	WorkerID    string `json:"workerId"`
	Approved    bool   `json:"approved"`
	RabbitMQURL string `json:"rabbitmqUrl,omitempty"`
	Region      string `json:"region,omitempty"`
}

// HandleStatus serves GET /register/<workerId>/status (§4.2, §6).
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerId")

	reg, err := h.store.Get(r.Context(), workerID)
	if err != nil {
		httpserver.RespondAppErr(w, r, err)
		return
	}

	resp := statusResponse{WorkerID: reg.WorkerID, Approved: reg.Approved}
	if reg.Approved && reg.Status != StatusRevoked {
		password, credErr := h.readCredentialPassword(r, reg)
		if credErr == nil {
			resp.RabbitMQURL = fmt.Sprintf("amqp://%s:%s@%s:5672", reg.BrokerUsername, password, h.brokerHost)
		}
		resp.Region = reg.Region
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// readCredentialPassword reads the escrowed broker password from the secret
// manager when one is configured, falling back to the password stored
// directly on the registration record otherwise (§4.2).
func (h *Handler) readCredentialPassword(r *http.Request, reg *Registration) (string, error) {
	if h.store.secret == nil {
		if reg.Password == "" {
			return "", apperr.New(apperr.KindNotFound, "no escrowed credential")
		}
		return reg.Password, nil
	}
	obj, err := h.store.secret.Read(r.Context(), secretstore.WorkerCredentialPath(reg.WorkerID))
	if err != nil {
		return "", err
	}
	pw, _ := obj["password"].(string)
	if pw == "" {
		return "", apperr.New(apperr.KindNotFound, "no escrowed credential")
	}
	return pw, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
