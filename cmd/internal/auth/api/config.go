package api

import "time"

// Config controls HTTP-surface behavior for the auth endpoints: body
// limits, proxy trust for client IPs, and login/refresh throttle shape.
type Config struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP for client IP
	// attribution. Only set behind a proxy that strips client-supplied
	// values.
	TrustProxy bool `env:"RIPPLE_API_TRUST_PROXY" envDefault:"false"`

	// MaxBodyBytes caps request bodies on every JSON endpoint.
	MaxBodyBytes int64 `env:"RIPPLE_API_MAX_BODY_BYTES" envDefault:"1048576"`

	// LoginIPMax / LoginIPWindow throttle login attempts per client IP.
	LoginIPMax    int           `env:"RIPPLE_API_LOGIN_IP_MAX" envDefault:"10"`
	LoginIPWindow time.Duration `env:"RIPPLE_API_LOGIN_IP_WINDOW" envDefault:"1m"`

	// LoginIdentifierMax / LoginIdentifierWindow throttle per presented
	// email, counted before any credential check so enumeration and
	// stuffing hit the same wall.
	LoginIdentifierMax    int           `env:"RIPPLE_API_LOGIN_ID_MAX" envDefault:"5"`
	LoginIdentifierWindow time.Duration `env:"RIPPLE_API_LOGIN_ID_WINDOW" envDefault:"1m"`

	// RefreshIPMax / RefreshIPWindow throttle refresh attempts per client
	// IP. Generous: a healthy client refreshes about once per 2.4 minutes.
	RefreshIPMax    int           `env:"RIPPLE_API_REFRESH_IP_MAX" envDefault:"30"`
	RefreshIPWindow time.Duration `env:"RIPPLE_API_REFRESH_IP_WINDOW" envDefault:"1m"`
}

// DefaultConfig returns production defaults; env parsing overrides them.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:          1 << 20,
		LoginIPMax:            10,
		LoginIPWindow:         time.Minute,
		LoginIdentifierMax:    5,
		LoginIdentifierWindow: time.Minute,
		RefreshIPMax:          30,
		RefreshIPWindow:       time.Minute,
	}
}

// normalize clamps nonsense values back to defaults so a bad env var
// degrades to the shipped posture instead of disabling limits.
func (c Config) normalize() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = time.Minute
	}
	if c.LoginIdentifierWindow <= 0 {
		c.LoginIdentifierWindow = time.Minute
	}
	if c.RefreshIPWindow <= 0 {
		c.RefreshIPWindow = time.Minute
	}
	return c
}
