package session

import "errors"

// Sentinel errors for callers (HTTP/WS layers map these to status codes).
var (
	// ErrInvalidCredential marks a malformed, tampered or expired access
	// credential (strong-mode verification failure).
	ErrInvalidCredential = errors.New("invalid access credential")

	// ErrRefreshInvalid marks a refresh secret with no matching record.
	ErrRefreshInvalid = errors.New("refresh token invalid")

	// ErrRefreshExpired marks a refresh record past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrRefreshStale marks a refresh that lost a rotation race within the
	// grace window. The client should re-read its latest tokens and retry;
	// no new tokens are issued and the family stays alive.
	ErrRefreshStale = errors.New("refresh token stale")

	// ErrRefreshReuse marks a replay of a revoked refresh secret outside
	// the grace window. The whole family has been revoked.
	ErrRefreshReuse = errors.New("refresh token reuse detected")

	// ErrSessionRevoked marks an access credential issued before the
	// user's last password change (sensitive-mode verification failure).
	ErrSessionRevoked = errors.New("session revoked")

	// ErrRecordNotFound is the store-level miss.
	ErrRecordNotFound = errors.New("refresh record not found")

	// ErrConfig marks invalid session configuration.
	ErrConfig = errors.New("invalid session config")
)
