package api

// Stable machine-readable error codes. Clients branch on these, never on
// messages, so renaming one is a breaking change.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeInvalidDisplayName = "INVALID_DISPLAY_NAME"
	CodeInvalidUsername    = "INVALID_USERNAME"
	CodeUserExists         = "USER_EXISTS"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeSessionRevoked     = "SESSION_REVOKED"
	CodeRefreshInvalid     = "REFRESH_TOKEN_INVALID"
	CodeRefreshExpired     = "REFRESH_TOKEN_EXPIRED"
	CodeStaleRefresh       = "STALE_REFRESH_TOKEN"
	CodeReuseDetected      = "TOKEN_REUSE_DETECTED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInternal           = "INTERNAL"
)
