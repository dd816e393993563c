package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ripple/cmd/identity"
	"ripple/cmd/identity/ids"
	"ripple/cmd/internal/auth/session"
	"ripple/cmd/internal/ratelimit"
	"ripple/cmd/security/password"
)

// Handler serves the account and session endpoints: register, login,
// refresh, logout, change-password, account deletion and public profiles.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	users    identity.Store
	sessions *session.Service
	pw       password.Config
	auth     *Auth

	limiter ratelimit.Limiter
	audit   *Recorder

	// dummyHash equalizes login timing when the account does not exist.
	dummyHash string
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithRateLimiter enables login/refresh throttling. Without it every
// request passes, which is only acceptable in dev mode.
func WithRateLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.limiter = l
		}
	}
}

// WithRecorder enables best-effort security event auditing.
func WithRecorder(rec *Recorder) HandlerOption {
	return func(h *Handler) {
		if rec != nil {
			h.audit = rec
		}
	}
}

func NewHandler(log *slog.Logger, cfg Config, users identity.Store, sessions *session.Service, pw password.Config, auth *Auth, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:       log,
		cfg:       cfg.normalize(),
		users:     users,
		sessions:  sessions,
		pw:        pw,
		auth:      auth,
		dummyHash: identity.DummyHash(pw),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Auth exposes the principal resolver so sibling modules mount behind the
// same credential semantics.
func (h *Handler) Auth() *Auth { return h.auth }

// Routes returns the router fragment mounted at /v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register attaches the auth and account routes to r. The app layer uses
// this to share one /v1 router across modules.
func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/refresh", h.handleRefresh)
	r.Post("/auth/logout", h.handleLogout)
	r.Post("/auth/change-password", h.handleChangePassword)
	r.Delete("/users/me", h.handleDeleteAccount)
	r.Get("/users/{username}", h.handleProfile)
}

// throttle consults the limiter. Limiter outages fail open: losing the
// throttle store must not take authentication down with it.
func (h *Handler) throttle(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration) {
	if h.limiter == nil || limit <= 0 {
		return false, 0
	}
	d, err := h.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		h.log.WarnContext(ctx, "auth.throttle.fail", slog.String("key", key), slog.Any("err", err))
		return false, 0
	}
	return !d.Allowed, d.RetryAfter
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if fe := validateRegister(req, h.pw); !fe.ok() {
		WriteError(w, http.StatusBadRequest, fe.Code, fe.Message)
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = deriveUsername(req.Email)
	}

	hash, err := h.pw.Hash(req.Password)
	if err != nil {
		h.log.ErrorContext(r.Context(), "auth.register.hash_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	id, err := ids.NewUUIDv7()
	if err != nil {
		h.log.ErrorContext(r.Context(), "auth.register.id_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	u, err := h.users.Create(ctx, identity.CreateUserInput{
		ID:           id,
		Email:        req.Email,
		Username:     username,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Now:          now,
	})
	if err != nil {
		var ce identity.ConflictError
		if errors.As(err, &ce) {
			WriteError(w, http.StatusConflict, CodeUserExists, ce.Field+" already taken")
			return
		}
		h.log.ErrorContext(ctx, "auth.register.fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	pair, err := h.sessions.IssueSession(ctx, now, u)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.register.issue_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.audit.registered(ctx, u.ID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	WriteJSON(w, http.StatusCreated, toAuthResponse(u, pair))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if !validEmail(req.Email) {
		WriteError(w, http.StatusBadRequest, CodeInvalidEmail, "invalid email address")
		return
	}
	if req.Password == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "password is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()
	email := identity.NormalizeEmail(req.Email)

	if blocked, retry := h.throttle(ctx, ratelimit.LoginIPKey(ipKeyPart(ip)), h.cfg.LoginIPMax, h.cfg.LoginIPWindow); blocked {
		h.audit.rateLimited(ctx, "login_ip", ip, ua, retry)
		WriteRateLimited(w, retry)
		return
	}
	if blocked, retry := h.throttle(ctx, ratelimit.LoginIdentifierKey(email), h.cfg.LoginIdentifierMax, h.cfg.LoginIdentifierWindow); blocked {
		h.audit.rateLimited(ctx, "login_identifier", ip, ua, retry)
		WriteRateLimited(w, retry)
		return
	}

	u, err := h.users.ByEmail(ctx, email)
	if err != nil {
		if identity.IsNotFound(err) {
			// Verify against a dummy hash so missing accounts cost the
			// same as wrong passwords.
			_, _ = h.pw.Verify(h.dummyHash, req.Password)
			h.audit.loginFailed(ctx, ip, ua, email, "not_found")
			WriteError(w, http.StatusUnauthorized, CodeAuthFailed, "invalid email or password")
			return
		}
		h.log.ErrorContext(ctx, "auth.login.lookup_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	okPw, err := h.pw.Verify(u.PasswordHash, req.Password)
	if err != nil || !okPw {
		h.audit.loginFailed(ctx, ip, ua, email, "bad_password")
		WriteError(w, http.StatusUnauthorized, CodeAuthFailed, "invalid email or password")
		return
	}

	pair, err := h.sessions.IssueSession(ctx, now, u)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.login.issue_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.audit.loginSuccess(ctx, u.ID, ip, ua)
	WriteJSON(w, http.StatusOK, toAuthResponse(u, pair))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "refreshToken is required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	if blocked, retry := h.throttle(ctx, ratelimit.RefreshIPKey(ipKeyPart(ip)), h.cfg.RefreshIPMax, h.cfg.RefreshIPWindow); blocked {
		h.audit.rateLimited(ctx, "refresh_ip", ip, ua, retry)
		WriteRateLimited(w, retry)
		return
	}

	pair, err := h.sessions.Refresh(ctx, now, presented)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			h.audit.refreshReuse(ctx, ip, ua)
			WriteError(w, http.StatusUnauthorized, CodeReuseDetected, "refresh token reuse detected")
		case errors.Is(err, session.ErrRefreshStale):
			WriteError(w, http.StatusConflict, CodeStaleRefresh, "refresh token already rotated")
		case errors.Is(err, session.ErrRefreshExpired):
			WriteError(w, http.StatusUnauthorized, CodeRefreshExpired, "refresh token expired")
		case errors.Is(err, session.ErrRefreshInvalid):
			WriteError(w, http.StatusUnauthorized, CodeRefreshInvalid, "refresh token invalid")
		default:
			h.log.ErrorContext(ctx, "auth.refresh.fail", slog.Any("err", err))
			WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		}
		return
	}

	WriteJSON(w, http.StatusOK, toRefreshResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if err := h.sessions.Logout(ctx, time.Now().UTC(), req.RefreshToken); err != nil {
		h.log.ErrorContext(ctx, "auth.logout.fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.audit.logout(ctx, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.RequireFresh(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if err := h.pw.Validate(req.NewPassword); err != nil {
		WriteError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	u, err := h.users.ByID(ctx, p.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			WriteError(w, http.StatusUnauthorized, CodeSessionRevoked, "session revoked")
			return
		}
		h.log.ErrorContext(ctx, "auth.change_password.lookup_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	okPw, err := h.pw.Verify(u.PasswordHash, req.CurrentPassword)
	if err != nil || !okPw {
		h.audit.loginFailed(ctx, ip, ua, u.EmailNorm, "bad_current_password")
		WriteError(w, http.StatusUnauthorized, CodeAuthFailed, "current password is incorrect")
		return
	}

	hash, err := h.pw.Hash(req.NewPassword)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.change_password.hash_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	if err := h.users.SetPassword(ctx, u.ID, hash, now.UnixMilli()); err != nil {
		h.log.ErrorContext(ctx, "auth.change_password.store_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	// Every open session dies; connected clients are told why.
	if _, err := h.sessions.RevokeAllForUser(ctx, now, u.ID, session.ReasonPasswordChanged, "password changed, sign in again"); err != nil {
		h.log.ErrorContext(ctx, "auth.change_password.revoke_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.audit.passwordChanged(ctx, u.ID, ip, ua)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := h.auth.RequireFresh(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	// Revoke first so the auth_revoked push still finds live connections;
	// the delete below makes the principal unresolvable anyway.
	if _, err := h.sessions.RevokeAllForUser(ctx, now, p.UserID, session.ReasonUserLogout, "account deleted"); err != nil {
		h.log.ErrorContext(ctx, "auth.delete_account.revoke_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	if err := h.users.Delete(ctx, p.UserID); err != nil && !identity.IsNotFound(err) {
		h.log.ErrorContext(ctx, "auth.delete_account.fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	h.audit.accountDeleted(ctx, p.UserID, clientIP(r, h.cfg.TrustProxy), r.UserAgent())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	username := identity.NormalizeUsername(chi.URLParam(r, "username"))
	if username == "" {
		WriteError(w, http.StatusNotFound, CodeNotFound, "user not found")
		return
	}

	u, err := h.users.ByUsername(r.Context(), username)
	if err != nil {
		if identity.IsNotFound(err) {
			WriteError(w, http.StatusNotFound, CodeNotFound, "user not found")
			return
		}
		h.log.ErrorContext(r.Context(), "auth.profile.lookup_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}

	viewer, authed := h.auth.Resolve(r)
	includeEmail := authed && viewer.UserID == u.ID
	WriteJSON(w, http.StatusOK, toProfileResponse(u, includeEmail))
}
