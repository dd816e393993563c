package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewRefreshSecret draws nBytes from a CSPRNG and returns the hex form
// (2*nBytes chars). The default 48 bytes yields a 96-char secret. The raw
// value is shown to the client exactly once and never persisted or logged.
func NewRefreshSecret(nBytes int) (string, error) {
	if nBytes < 32 {
		return "", fmt.Errorf("refresh secret entropy below 32 bytes")
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("refresh secret entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}
