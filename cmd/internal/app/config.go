package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"ripple/cmd/internal/auth/api"
	"ripple/cmd/internal/auth/session"
)

// Config is the full runtime configuration, loaded from RIPPLE_* environment
// variables in one pass. Session and API carry their own env tags and parse
// as nested sections.
type Config struct {
	HTTPAddr  string `env:"RIPPLE_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"RIPPLE_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"RIPPLE_LOG_PRETTY" envDefault:"false"`

	ReadHeaderTimeout time.Duration `env:"RIPPLE_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"RIPPLE_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"RIPPLE_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"RIPPLE_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"RIPPLE_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// DatabaseURL selects the persistence mode: empty means in-memory dev
	// stores, anything else is a pgx pool plus startup migrations.
	DatabaseURL       string        `env:"RIPPLE_DATABASE_URL"`
	DBMaxConns        int32         `env:"RIPPLE_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns        int32         `env:"RIPPLE_DB_MIN_CONNS" envDefault:"0"`
	DBMaxConnIdle     time.Duration `env:"RIPPLE_DB_MAX_CONN_IDLE" envDefault:"5m"`
	DBMaxConnLifetime time.Duration `env:"RIPPLE_DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MigrationsDir     string        `env:"RIPPLE_MIGRATIONS_DIR" envDefault:"migrations"`

	// RedisURL backs the auth throttles. Empty falls back to the
	// per-process memory limiter.
	RedisURL string `env:"RIPPLE_REDIS_URL"`

	// ReadinessRequireDB makes /readyz report 503 unless a database is
	// configured and reachable.
	ReadinessRequireDB bool `env:"RIPPLE_READINESS_REQUIRE_DB" envDefault:"false"`

	// CORSAllowedOrigins enables the browser CORS layer; empty disables it.
	// Entries match the full origin, with a trailing :* port wildcard.
	CORSAllowedOrigins   []string `env:"RIPPLE_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"RIPPLE_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"RIPPLE_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	WSOriginRequired bool     `env:"RIPPLE_WS_ORIGIN_REQUIRED" envDefault:"false"`
	WSAllowedOrigins []string `env:"RIPPLE_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSDevInsecure    bool     `env:"RIPPLE_WS_DEV_INSECURE" envDefault:"false"`

	// JanitorInterval paces the refresh-record purge; JanitorRetention is
	// how long records linger past expiry before deletion.
	JanitorInterval  time.Duration `env:"RIPPLE_JANITOR_INTERVAL" envDefault:"5m"`
	JanitorRetention time.Duration `env:"RIPPLE_JANITOR_RETENTION" envDefault:"720h"`

	Session session.Config
	API     api.Config
}

// LoadConfig reads the environment. Defaults come from the envDefault tags;
// the signing secrets carry ,unset and are scrubbed from the process
// environment during the parse.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("app: parse config: %w", err)
	}
	return cfg, nil
}
