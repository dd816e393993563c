package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"ripple/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// With a database configured the process refuses to boot on missing or weak
// signing material: silently degrading to ephemeral crypto in production is
// unacceptable. Db-less dev mode is exempt; New generates ephemeral secrets
// there and warns loudly instead.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.DatabaseURL == "" {
		return nil
	}

	// Keys are raw bytes, so the floor is measured in bytes, not runes.
	if len(cfg.Session.SigningSecret) < token.MinKeyBytes {
		return fmt.Errorf("security policy: RIPPLE_AUTH_JWT_SECRET must be set (min %d bytes) when a database is configured", token.MinKeyBytes)
	}
	if len(cfg.Session.RefreshHashKey) < token.MinKeyBytes {
		return fmt.Errorf("security policy: RIPPLE_AUTH_REFRESH_HMAC_KEY must be set (min %d bytes) when a database is configured", token.MinKeyBytes)
	}
	return nil
}

// ephemeralSecret returns a random hex secret for db-less dev mode. Every
// restart invalidates all previously issued credentials.
func ephemeralSecret() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("app: generate ephemeral secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
