// Package worker implements the worker fleet protocol (§4.2-4.3): the
// six-state registration/approval lifecycle, credential issuance, the
// signed-heartbeat verifier, the points anomaly sweep, and the probe
// execution contract workers run against.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/secretstore"
	"github.com/wisbric/nightowl/internal/store"
)

// Status is a worker's position in the registration lifecycle (§4.2):
//
//	UNREGISTERED -> PENDING -> APPROVED -> ACTIVE <-> STALE -> REVOKED
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusActive   Status = "active"
	StatusStale    Status = "stale"
	StatusRevoked  Status = "revoked"
)

const defaultRegion = "auto"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Registration is a worker's registration record (§3 "Worker record").
type Registration struct {
	WorkerID       string    `json:"workerId"`
	OwnerEmail     string    `json:"ownerEmail"`
	Hostname       string    `json:"hostname"`
	Platform       string    `json:"platform"`
	IP             string    `json:"ip"`
	PublicKey      string    `json:"publicKey,omitempty"`
	RegisteredAt   time.Time `json:"registeredAt"`
	Approved       bool      `json:"approved"`
	ApprovedAt     time.Time `json:"approvedAt,omitempty"`
	ApproverID     string    `json:"approverId,omitempty"`
	Region         string    `json:"region"`
	BrokerUsername string    `json:"brokerUsername,omitempty"`
	// Password is the broker credential, persisted here only when no secret
	// manager is configured (§4.2: "Store password inside the record (or in
	// the secret manager)"). When s.secret is set it is escrowed there
	// instead and this field stays empty.
	Password string `json:"password,omitempty"`
	Status   Status `json:"status"`
}

// RegisterRequest is the body of POST /register (§6).
type RegisterRequest struct {
	WorkerID   string `json:"workerId"`
	Hostname   string `json:"hostname"`
	Platform   string `json:"platform"`
	IP         string `json:"ip"`
	PublicKey  string `json:"publicKey"`
	OwnerEmail string `json:"ownerEmail"`
}

// Store persists worker registrations in the tenant-scoped KV abstraction.
// Worker records are platform-global — they carry an owner email, not a
// nest id (§3 "Ownership & lifetimes").
type Store struct {
	kv     store.Store
	secret *secretstore.Store
}

// NewStore builds a worker Store over kv. secret may be nil, in which case
// issued credentials are kept only in the registration record.
func NewStore(kv store.Store, secret *secretstore.Store) *Store {
	return &Store{kv: kv, secret: secret}
}

// Register handles UNREGISTERED -> PENDING (§4.2). If a registration for
// workerId already exists, it is returned unchanged — registering twice is
// idempotent (§8 round-trip).
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	if req.WorkerID == "" || req.Hostname == "" || req.OwnerEmail == "" {
		return nil, apperr.New(apperr.KindValidation, "workerId, hostname, and ownerEmail are required")
	}
	if !emailPattern.MatchString(req.OwnerEmail) {
		return nil, apperr.New(apperr.KindValidation, "ownerEmail is not a valid address")
	}

	if existing, err := s.Get(ctx, req.WorkerID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	reg := &Registration{
		WorkerID:     req.WorkerID,
		OwnerEmail:   req.OwnerEmail,
		Hostname:     req.Hostname,
		Platform:     req.Platform,
		IP:           req.IP,
		PublicKey:    req.PublicKey,
		RegisteredAt: now,
		Region:       defaultRegion,
		Status:       StatusPending,
	}
	if err := s.save(ctx, reg); err != nil {
		return nil, err
	}
	if err := s.kv.SortedSetAdd(ctx, store.WorkersPendingKey, float64(now.UnixMilli()), reg.WorkerID); err != nil {
		return nil, fmt.Errorf("queuing pending registration: %w", err)
	}
	if err := s.kv.SetAdd(ctx, store.WorkersByOwnerKey(reg.OwnerEmail), reg.WorkerID); err != nil {
		return nil, fmt.Errorf("indexing registration by owner: %w", err)
	}
	return reg, nil
}

func (s *Store) save(ctx context.Context, reg *Registration) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}
	if err := s.kv.HashSet(ctx, store.WorkersRegistrationsKey, reg.WorkerID, b); err != nil {
		return fmt.Errorf("storing registration: %w", err)
	}
	return nil
}

// Get fetches a worker's registration record.
func (s *Store) Get(ctx context.Context, workerID string) (*Registration, error) {
	b, err := s.kv.HashGet(ctx, store.WorkersRegistrationsKey, workerID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.New(apperr.KindNotFound, "worker registration not found")
		}
		return nil, err
	}
	var reg Registration
	if err := json.Unmarshal(b, &reg); err != nil {
		return nil, fmt.Errorf("unmarshaling registration: %w", err)
	}
	return &reg, nil
}

// Credential is the broker credential issued on approval (§4.2).
type Credential struct {
	Username string
	Password string
}

// Approve handles PENDING -> APPROVED: assigns a region, generates
// high-entropy broker credentials, and escrows the password. It is
// serialized per workerId by the caller (§5 "Shared-resource policy").
func (s *Store) Approve(ctx context.Context, workerID, approverID, region string) (*Registration, *Credential, error) {
	reg, err := s.Get(ctx, workerID)
	if err != nil {
		return nil, nil, err
	}
	if reg.Approved {
		return reg, nil, nil
	}

	password, err := generatePassword()
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindFatal, "generating broker credential", err)
	}

	if region == "" {
		region = defaultRegion
	}
	reg.Approved = true
	reg.ApprovedAt = time.Now().UTC()
	reg.ApproverID = approverID
	reg.Region = region
	reg.BrokerUsername = brokerUsername(workerID)
	reg.Status = StatusApproved

	cred := &Credential{Username: reg.BrokerUsername, Password: password}
	if s.secret != nil {
		if err := s.secret.Write(ctx, secretstore.WorkerCredentialPath(workerID), map[string]interface{}{
			"username": cred.Username,
			"password": cred.Password,
		}); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindFatal, "escrowing worker credential", err)
		}
	} else {
		reg.Password = password
	}

	if err := s.save(ctx, reg); err != nil {
		return nil, nil, err
	}
	if err := s.kv.SortedSetRemove(ctx, store.WorkersPendingKey, workerID); err != nil {
		return nil, nil, fmt.Errorf("dequeuing approved registration: %w", err)
	}
	return reg, cred, nil
}

// Revoke handles Any -> REVOKED: deletes escrowed credentials so the
// worker's subsequent commands/heartbeats are unauthenticated and dropped.
func (s *Store) Revoke(ctx context.Context, workerID string) error {
	reg, err := s.Get(ctx, workerID)
	if err != nil {
		return err
	}
	reg.Status = StatusRevoked
	reg.BrokerUsername = ""
	reg.Password = ""
	if s.secret != nil {
		if err := s.secret.Delete(ctx, secretstore.WorkerCredentialPath(workerID)); err != nil {
			return fmt.Errorf("revoking worker credential: %w", err)
		}
	}
	return s.save(ctx, reg)
}

// Pending returns pending registrations ordered by arrival time.
func (s *Store) Pending(ctx context.Context) ([]string, error) {
	return s.kv.SortedSetRange(ctx, store.WorkersPendingKey, 0, -1)
}

func brokerUsername(workerID string) string { return "worker-" + workerID }

// generatePassword returns a >=256-bit URL-safe random password (§4.2).
func generatePassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isNotFound(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound
}
