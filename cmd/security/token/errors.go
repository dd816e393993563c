package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("refresh hash key missing")
	ErrKeyTooShort = errors.New("refresh hash key too short")
)
