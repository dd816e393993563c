package session

import (
	"fmt"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access-credential TTL, verification leeway, refresh rotation
// policy, refresh entropy size, and signing/hashing keys.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of access credentials.
	Issuer string `env:"RIPPLE_AUTH_ISSUER" envDefault:"ripple"`

	// Audience is the value set in the "aud" claim.
	Audience string `env:"RIPPLE_AUTH_AUDIENCE" envDefault:"ripple-clients"`

	// AccessTTL is the access-credential lifetime. Clients are expected to
	// refresh at ~80% of it; the server never tracks that.
	AccessTTL time.Duration `env:"RIPPLE_AUTH_ACCESS_TTL" envDefault:"3m"`

	// Leeway is the uniform clock-skew tolerance applied to expiresAt,
	// issuedAt and notBefore during verification.
	Leeway time.Duration `env:"RIPPLE_AUTH_LEEWAY" envDefault:"15s"`

	// RefreshTTL is the lifetime of each refresh record. Rotation issues a
	// fresh record with a full window, so an actively used family outlives
	// any single record.
	RefreshTTL time.Duration `env:"RIPPLE_AUTH_REFRESH_TTL" envDefault:"336h"`

	// GraceWindow bounds how long after a rotation a replay of the revoked
	// secret is treated as a racing client rather than an attack.
	GraceWindow time.Duration `env:"RIPPLE_AUTH_GRACE_WINDOW" envDefault:"10s"`

	// RefreshSecretBytes is the entropy of opaque refresh secrets. The
	// wire form is hex, twice this many characters.
	RefreshSecretBytes int `env:"RIPPLE_AUTH_REFRESH_SECRET_BYTES" envDefault:"48"`

	// SigningSecret is the HS256 key for access credentials (min 32 bytes).
	SigningSecret string `env:"RIPPLE_AUTH_JWT_SECRET,unset"`

	// RefreshHashKey is the HMAC-SHA256 key for refresh-secret digests
	// (min 32 bytes).
	RefreshHashKey string `env:"RIPPLE_AUTH_REFRESH_HMAC_KEY,unset"`
}

// DefaultConfig returns the production defaults. Secrets are empty and must
// be supplied by the environment (or generated ephemerally in db-less dev
// mode by the app layer).
func DefaultConfig() Config {
	return Config{
		Issuer:             "ripple",
		Audience:           "ripple-clients",
		AccessTTL:          3 * time.Minute,
		Leeway:             15 * time.Second,
		RefreshTTL:         14 * 24 * time.Hour,
		GraceWindow:        10 * time.Second,
		RefreshSecretBytes: 48,
	}
}

// Validate enforces the security floor. Returns ErrConfig-wrapped errors.
func (c Config) Validate() error {
	if c.Issuer == "" || c.Audience == "" {
		return fmt.Errorf("%w: issuer and audience are required", ErrConfig)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("%w: access TTL must be positive", ErrConfig)
	}
	if c.Leeway < 0 {
		return fmt.Errorf("%w: leeway must not be negative", ErrConfig)
	}
	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("%w: refresh TTL must exceed access TTL", ErrConfig)
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("%w: grace window must not be negative", ErrConfig)
	}
	if c.RefreshSecretBytes < 32 {
		return fmt.Errorf("%w: refresh secret entropy below 32 bytes", ErrConfig)
	}
	if len(c.SigningSecret) < 32 {
		return fmt.Errorf("%w: signing secret shorter than 32 bytes", ErrConfig)
	}
	if len(c.RefreshHashKey) < 32 {
		return fmt.Errorf("%w: refresh hash key shorter than 32 bytes", ErrConfig)
	}
	return nil
}

// ExpiresInMillis is the wire value advertised with every issued pair.
func (c Config) ExpiresInMillis() int64 { return c.AccessTTL.Milliseconds() }
