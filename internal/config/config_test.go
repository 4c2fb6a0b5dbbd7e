package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5, cfg.RateLimit.MaxSubmissions)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, "wa.me", cfg.WhatsApp.Host)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.False(t, cfg.UsesRedisRateLimit())
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.Server.TrustProxy)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("RATE_LIMIT_MAX_SUBMISSIONS", "3")
	t.Setenv("RATE_LIMIT_WINDOW", "30m")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SERVER_TRUST_PROXY", "true")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 3, cfg.RateLimit.MaxSubmissions)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.Window)
	assert.True(t, cfg.UsesRedisRateLimit())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, ":9000", cfg.GetServerAddress())
	assert.True(t, cfg.Server.TrustProxy)
}

func TestParse_RejectsInvalidRateLimit(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX_SUBMISSIONS", "0")
	t.Setenv("RATE_LIMIT_BACKEND", "memcached")

	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_MAX_SUBMISSIONS")
	assert.Contains(t, err.Error(), "RATE_LIMIT_BACKEND")
}

func TestValidate_CertPair(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	cfg.Server.EnableTLS = true
	cfg.Server.CertFile = "cert.pem"
	assert.Error(t, cfg.Validate())

	cfg.Server.KeyFile = "key.pem"
	assert.NoError(t, cfg.Validate())
}
