package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// MinKeyBytes is the minimum accepted HMAC key length. The key is used as
// raw bytes, so we measure bytes, not runes.
const MinKeyBytes = 32

// Hasher digests refresh secrets with a fixed HMAC-SHA256 key.
//
// A Hasher is safe for concurrent use; the key is never mutated after
// construction.
type Hasher struct {
	key []byte
}

// NewHasher validates the key and returns a Hasher.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Hasher{key: k}, nil
}

// Hash returns the HMAC-SHA256 hex digest of secret (64 chars).
func (h *Hasher) Hash(secret string) string {
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(secret))
	return hex.EncodeToString(m.Sum(nil))
}

// Matches reports whether secret digests to storedHex, in constant time.
func (h *Hasher) Matches(secret, storedHex string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(secret)), []byte(storedHex)) == 1
}
