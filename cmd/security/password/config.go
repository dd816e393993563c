package password

import (
	"fmt"
	"runtime"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int
	MaxLength int
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package. Overrides
// come from the application config layer, not from this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns a strong baseline for interactive logins.
func DefaultConfig() Config {
	// Clamp parallelism to [1..4] to keep resource usage predictable in
	// containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
	}
}

// Check validates the config itself before first use.
func (c Config) Check() error {
	if c.Policy.MinLength < 1 || c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf("password policy invalid: min_len(%d) max_len(%d)", c.Policy.MinLength, c.Policy.MaxLength)
	}
	if c.Params.MemoryKiB < 8*1024 {
		return fmt.Errorf("argon2 memory too low: %d KiB", c.Params.MemoryKiB)
	}
	if c.Params.Iterations < 1 {
		return fmt.Errorf("argon2 iterations too low: %d", c.Params.Iterations)
	}
	if c.Params.SaltLength < 8 || c.Params.KeyLength < 16 {
		return fmt.Errorf("argon2 salt/key too short: salt=%d key=%d", c.Params.SaltLength, c.Params.KeyLength)
	}
	return nil
}
