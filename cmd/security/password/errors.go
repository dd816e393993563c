package password

import "errors"

// Sentinel errors callers branch on. Policy violations map to WEAK_PASSWORD
// at the API edge; ErrInvalidHash means a stored hash could not be parsed.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("weak password")
	ErrInvalidHash      = errors.New("invalid password hash")
)
