package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/auth"
	"qrattend/internal/config"
)

func memoryConfig() config.App {
	cfg := config.Load()
	cfg.StoreBackend = "memory"
	cfg.QueueBackend = "memory"
	cfg.RateLimitBackend = "memory"
	cfg.MetricsEnabled = false
	return cfg
}

func TestBuildMemoryBackends(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)

	r, err := a.Router()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	tok, _, err := auth.Issue("U-T1", auth.RoleTeacher, a.Config.JWTIssuer, a.Config.JWTSigningKey, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/qr/tokens", strings.NewReader(`{"courseId":"C1","teacherId":"T1"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/qr/tokens", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouterIgnoresSpoofedForwardedFor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := Build(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer a.Close()
	r, err := a.Router()
	require.NoError(t, err)

	tok, _, err := auth.Issue("U-S1", auth.RoleStudent, a.Config.JWTIssuer, a.Config.JWTSigningKey, time.Hour)
	require.NoError(t, err)

	codes := make(map[int]int)
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/qr/validate", strings.NewReader(`{"token":"missing"}`))
		req.RemoteAddr = "198.51.100.7:40000"
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.%d.%d.1", i/250, i%250))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes[w.Code]++
	}
	assert.Equal(t, a.Config.QR.RateLimitMax, codes[http.StatusNotFound])
	assert.Equal(t, 30-a.Config.QR.RateLimitMax, codes[http.StatusTooManyRequests])
}

func TestRouterRejectsBadTrustedProxies(t *testing.T) {
	cfg := memoryConfig()
	cfg.TrustedProxies = []string{"not-an-ip"}
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Router()
	assert.Error(t, err)
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	for _, mutate := range []func(*config.App){
		func(c *config.App) { c.StoreBackend = "sqlite" },
		func(c *config.App) { c.QueueBackend = "kafka" },
		func(c *config.App) { c.RateLimitBackend = "etcd" },
	} {
		cfg := memoryConfig()
		mutate(&cfg)
		_, err := Build(context.Background(), cfg, nil)
		assert.Error(t, err)
	}
}
