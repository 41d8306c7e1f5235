package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 5, cfg.QR.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.QR.RateLimitWindow)
	assert.Equal(t, 30*time.Minute, cfg.QR.DefaultTTL)
	assert.Equal(t, 24*time.Hour, cfg.QR.MaxTTL)
	assert.Equal(t, 5*time.Minute, cfg.QR.ClockSkew)
	assert.Equal(t, 1000, cfg.QR.MaxUsesCap)
	assert.False(t, cfg.CloudinaryConfigured())
	assert.Nil(t, cfg.TrustedProxies)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("QR_RATE_LIMIT_MAX", "10")
	t.Setenv("QR_DEFAULT_TTL", "15m")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("ATTENDANCE_TIMEZONE", "Asia/Dhaka")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.edu, https://b.example.edu,")

	cfg := Load()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 10, cfg.QR.RateLimitMax)
	assert.Equal(t, 15*time.Minute, cfg.QR.DefaultTTL)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, "Asia/Dhaka", cfg.Location().String())
	assert.Equal(t, []string{"https://a.example.edu", "https://b.example.edu"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("QR_RATE_LIMIT_MAX", "lots")
	t.Setenv("QR_RATE_LIMIT_WINDOW", "soon")
	t.Setenv("METRICS_ENABLED", "maybe")
	t.Setenv("ATTENDANCE_TIMEZONE", "Mars/Olympus")

	cfg := Load()

	assert.Equal(t, 5, cfg.QR.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.QR.RateLimitWindow)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, time.UTC, cfg.Location())
}
