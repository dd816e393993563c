package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ripple/cmd/identity"
	"ripple/cmd/internal/auth/session"
)

// Principal is the authenticated caller attached to a request. IssuedAt is
// the credential's mint time, compared against the user's
// passwordChangedAt on sensitive routes.
type Principal struct {
	UserID      string
	Username    string
	DisplayName string
	IssuedAt    time.Time
}

// AccessVerifier validates a raw access credential against now.
type AccessVerifier interface {
	VerifyAccess(now time.Time, raw string) (session.AccessClaims, error)
}

// Auth resolves principals at three strictness tiers:
//
//   - Resolve: soft. A valid credential yields a principal; anything else
//     yields anonymous. Never writes a response.
//   - Require: strong. Missing or invalid credential writes 401.
//   - RequireFresh: sensitive. Strong, then re-reads the user row and
//     rejects credentials minted before the last password change.
type Auth struct {
	log    *slog.Logger
	verify AccessVerifier
	users  identity.Store
}

func NewAuth(log *slog.Logger, verify AccessVerifier, users identity.Store) *Auth {
	if log == nil {
		log = slog.Default()
	}
	return &Auth{log: log, verify: verify, users: users}
}

// BearerToken extracts the credential from the Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Resolve is the soft tier. The bool reports whether a principal was
// established; false means anonymous, never a challenge.
func (a *Auth) Resolve(r *http.Request) (Principal, bool) {
	raw := BearerToken(r)
	if raw == "" {
		return Principal{}, false
	}
	claims, err := a.verify.VerifyAccess(time.Now(), raw)
	if err != nil {
		return Principal{}, false
	}
	return principalFrom(claims), true
}

// Require is the strong tier. On failure it writes 401 INVALID_TOKEN and
// returns false; the handler must return immediately.
func (a *Auth) Require(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	raw := BearerToken(r)
	if raw == "" {
		WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "missing access credential")
		return Principal{}, false
	}
	claims, err := a.verify.VerifyAccess(time.Now(), raw)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid or expired access credential")
		return Principal{}, false
	}
	return principalFrom(claims), true
}

// RequireFresh is the sensitive tier: strong plus a live re-read of the
// user row. A credential minted before the last password change, or one
// whose user no longer exists, is rejected with SESSION_REVOKED.
func (a *Auth) RequireFresh(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := a.Require(w, r)
	if !ok {
		return Principal{}, false
	}

	u, err := a.users.ByID(r.Context(), p.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			WriteError(w, http.StatusUnauthorized, CodeSessionRevoked, "session revoked")
			return Principal{}, false
		}
		a.log.ErrorContext(r.Context(), "auth.principal.recheck_fail", slog.Any("err", err))
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return Principal{}, false
	}
	if u.PasswordChangedAt > p.IssuedAt.UnixMilli() {
		WriteError(w, http.StatusUnauthorized, CodeSessionRevoked, "session revoked")
		return Principal{}, false
	}
	return p, true
}

func principalFrom(c session.AccessClaims) Principal {
	return Principal{
		UserID:      c.UserID,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		IssuedAt:    c.IssuedAt,
	}
}
