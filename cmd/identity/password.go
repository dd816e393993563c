package identity

import (
	"ripple/cmd/security/password"
)

// Password hashing delegates to cmd/security/password as the single source
// of truth for Argon2id parameters, policy and strict PHC verification.
//
// The raw password never leaves the process and is never logged.

// HashPassword returns a PHC-style Argon2id hash string using cfg's policy.
func HashPassword(cfg password.Config, plain string) (string, error) {
	return cfg.Hash(plain)
}

// VerifyPassword checks plain against a PHC Argon2id hash in constant time.
// Returns (false, nil) on a clean mismatch.
func VerifyPassword(cfg password.Config, encodedPHC, plain string) (bool, error) {
	return cfg.Verify(encodedPHC, plain)
}

// DummyHash is a valid-shaped PHC hash used to equalize login timing when
// the account does not exist. Verification against it always mismatches.
func DummyHash(cfg password.Config) string {
	h, err := cfg.Hash("ripple-timing-equalizer-0000")
	if err != nil {
		// Policy misconfiguration is caught at startup; this path is unreachable
		// with a checked config.
		return "$argon2id$v=19$m=65536,t=3,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	}
	return h
}
