package app

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("RIPPLE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RIPPLE_LOG_PRETTY", "true")
	t.Setenv("RIPPLE_DB_MAX_CONNS", "3")
	t.Setenv("RIPPLE_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("RIPPLE_JANITOR_INTERVAL", "90s")
	t.Setenv("RIPPLE_AUTH_ACCESS_TTL", "2m")
	t.Setenv("RIPPLE_AUTH_JWT_SECRET", strings.Repeat("k", 40))
	t.Setenv("RIPPLE_API_LOGIN_IP_MAX", "25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, int32(3), cfg.DBMaxConns)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.JanitorInterval)
	assert.Equal(t, 2*time.Minute, cfg.Session.AccessTTL)
	assert.Equal(t, strings.Repeat("k", 40), cfg.Session.SigningSecret)
	assert.Equal(t, 25, cfg.API.LoginIPMax)
}

func TestLoadConfigUnsetsSecrets(t *testing.T) {
	t.Setenv("RIPPLE_AUTH_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("RIPPLE_AUTH_REFRESH_HMAC_KEY", strings.Repeat("r", 32))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("s", 32), cfg.Session.SigningSecret)
	assert.Equal(t, strings.Repeat("r", 32), cfg.Session.RefreshHashKey)

	// The ,unset tag scrubs secrets from the process environment after the
	// parse so child processes and diagnostics never see them.
	assert.Empty(t, os.Getenv("RIPPLE_AUTH_JWT_SECRET"))
	assert.Empty(t, os.Getenv("RIPPLE_AUTH_REFRESH_HMAC_KEY"))
}
