package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitNoop(t *testing.T) {
	m := Init(false)
	_, ok := m.(*NoopMetrics)
	assert.True(t, ok)

	m.RecordCheckIn("success", time.Millisecond)
	m.RecordTokensExpired("sweep", 3)
}

func TestInitIsSingleton(t *testing.T) {
	a := Init(true)
	b := Init(true)
	require.Same(t, a, b)

	m := a.(*Metrics)
	before := testutil.ToFloat64(m.CheckInsTotal.WithLabelValues("conflict"))
	m.RecordCheckIn("conflict", 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.CheckInsTotal.WithLabelValues("conflict")))

	expired := testutil.ToFloat64(m.TokensExpiredTotal.WithLabelValues("quota"))
	m.RecordTokensExpired("quota", 0)
	m.RecordTokensExpired("quota", 2)
	assert.Equal(t, expired+2, testutil.ToFloat64(m.TokensExpiredTotal.WithLabelValues("quota")))
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := Init(true).(*Metrics)

	r := gin.New()
	r.Use(HTTPMiddleware(m))
	r.GET("/v1/qr/tokens/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/qr/tokens/:id", "204"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/qr/tokens/abc", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/qr/tokens/:id", "204")))
}
