package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/pkg/nest"
	"github.com/wisbric/nightowl/pkg/user"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totpCode,omitempty"`
}

// LoginResponse is the JSON response for POST /auth/login. When the account
// has TOTP enabled and no code was supplied, the response carries only
// RequiresTwoFactor — the caller must resubmit with totpCode set and no
// session is issued for this request (§4.6 step 4). A supplied code that
// fails verification is rejected as a failed login instead.
type LoginResponse struct {
	RequiresTwoFactor bool `json:"requiresTwoFactor,omitempty"`
	*TokenPair
	User *UserInfo `json:"user,omitempty"`
}

// UserInfo is the public user information returned in auth responses.
type UserInfo struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// LoginHandler implements local email/password + optional TOTP login
// (§4.6). It deliberately cannot distinguish "no such user" from "wrong
// password" in its response — both produce the same generic message.
type LoginHandler struct {
	sessionMgr *SessionManager
	users      *user.Store
	policy     *PasswordPolicy
	ipLimiter  *RateLimiter
	lockout    *AccountLockout
	attempts   *AttemptRecorder
	logger     *slog.Logger
}

// NewLoginHandler creates a new login handler.
func NewLoginHandler(sm *SessionManager, users *user.Store, policy *PasswordPolicy, ipLimiter *RateLimiter, lockout *AccountLockout, attempts *AttemptRecorder, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{sessionMgr: sm, users: users, policy: policy, ipLimiter: ipLimiter, lockout: lockout, attempts: attempts, logger: logger}
}

const genericInvalidCredentials = "invalid email or password"

// HandleLogin authenticates a user with email/password (+ optional TOTP) and
// returns a session token pair.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := nest.FromContext(ctx)
	if n == nil {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, "no nest resolved for this request"))
		return
	}

	var req LoginRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindValidation, "decoding login request", err))
		return
	}
	if req.Email == "" || req.Password == "" {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindValidation, "email and password are required"))
		return
	}

	ip := clientIP(r)
	limit, err := h.ipLimiter.Check(ctx, ip)
	if err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindTransient, "checking rate limit", err))
		return
	}
	if !limit.Allowed {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindRateLimited, "too many login attempts, try again later"))
		return
	}

	locked, err := h.lockout.Locked(ctx, n.ID.String(), req.Email)
	if err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindTransient, "checking account lockout", err))
		return
	}
	if locked {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindRateLimited, "account temporarily locked, try again later"))
		return
	}

	u, err := h.users.GetByEmail(ctx, n.ID, req.Email)
	if err != nil {
		_ = h.ipLimiter.Record(ctx, ip)
		_ = h.lockout.RecordFailure(ctx, n.ID.String(), req.Email)
		h.recordAttempt(ctx, req.Email, "", ip, r, false, "no such user")
		h.logger.Warn("login: user lookup failed", "email", req.Email)
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, genericInvalidCredentials))
		return
	}

	if !h.verifyPassword(ctx, u, req.Password) {
		_ = h.ipLimiter.Record(ctx, ip)
		_ = h.lockout.RecordFailure(ctx, n.ID.String(), req.Email)
		h.recordAttempt(ctx, req.Email, u.ID.String(), ip, r, false, "wrong password")
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, genericInvalidCredentials))
		return
	}

	if !u.Active {
		h.recordAttempt(ctx, req.Email, u.ID.String(), ip, r, false, "account deactivated")
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, "account is deactivated"))
		return
	}

	if u.TOTPSecret != "" {
		if req.TOTPCode == "" {
			// Credentials are correct but a second factor is still owed —
			// this is not a failed attempt, so it doesn't touch the rate
			// limiter or lockout counter (§4.6 step 4).
			httpserver.Respond(w, http.StatusOK, LoginResponse{RequiresTwoFactor: true})
			return
		}
		if !VerifyTOTP(u.TOTPSecret, req.TOTPCode) {
			_ = h.ipLimiter.Record(ctx, ip)
			_ = h.lockout.RecordFailure(ctx, n.ID.String(), req.Email)
			h.recordAttempt(ctx, req.Email, u.ID.String(), ip, r, false, "invalid two-factor code")
			httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, "invalid two-factor code"))
			return
		}
	}

	_ = h.ipLimiter.Reset(ctx, ip)
	_ = h.lockout.Reset(ctx, n.ID.String(), req.Email)
	h.recordAttempt(ctx, req.Email, u.ID.String(), ip, r, true, "")

	pair, err := h.sessionMgr.IssuePair(u.ID.String(), u.NestID.String(), u.Email, u.Display, string(u.Role))
	if err != nil {
		h.logger.Error("login: issuing token pair", "error", err)
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindFatal, "issuing session", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, LoginResponse{
		TokenPair: &pair,
		User: &UserInfo{
			ID:          u.ID.String(),
			Email:       u.Email,
			DisplayName: u.Display,
			Role:        string(u.Role),
		},
	})
}

// recordAttempt writes an auth-attempt row, logging (but not failing the
// request) if the write itself errors.
func (h *LoginHandler) recordAttempt(ctx context.Context, email, userID, ip string, r *http.Request, success bool, failureReason string) {
	err := h.attempts.Record(ctx, AuthAttempt{
		Email:         email,
		UserID:        userID,
		IP:            ip,
		UserAgent:     r.UserAgent(),
		Timestamp:     time.Now().UnixMilli(),
		Success:       success,
		FailureReason: failureReason,
	})
	if err != nil {
		h.logger.Error("login: recording auth attempt", "error", err)
	}
}

func (h *LoginHandler) verifyPassword(ctx context.Context, u *user.User, password string) bool {
	if u.PasswordExternal {
		hash, err := h.policy.ReadExternal(ctx, u.ID.String())
		if err != nil {
			h.logger.Error("login: reading external password hash", "error", err)
			return false
		}
		return h.policy.Verify(hash, password)
	}
	return h.policy.Verify(u.PasswordHash, password)
}

// HandleRefresh exchanges a valid refresh token for a new token pair.
func (h *LoginHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindValidation, "decoding refresh request", err))
		return
	}

	claims, err := h.sessionMgr.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindAuthorization, "invalid refresh token", err))
		return
	}

	pair, err := h.sessionMgr.IssuePair(claims.UserID, claims.NestID, claims.Email, claims.Subject, claims.Role)
	if err != nil {
		httpserver.RespondAppErr(w, r, apperr.Wrap(apperr.KindFatal, "issuing session", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, pair)
}

// HandleMe returns the current authenticated identity.
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil {
		httpserver.RespondAppErr(w, r, apperr.New(apperr.KindAuthorization, "authentication required"))
		return
	}
	httpserver.Respond(w, http.StatusOK, UserInfo{
		ID:          id.UserID.String(),
		Email:       id.Email,
		DisplayName: id.Subject,
		Role:        string(id.Role),
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
