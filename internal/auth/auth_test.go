package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "qrattend"
)

func TestIssueAndParse(t *testing.T) {
	tok, exp, err := Issue("U-T1", RoleTeacher, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "U-T1", claims.Subject)
	assert.Equal(t, RoleTeacher, claims.Role)

	_, err = Parse(tok, "other-key", testIssuer)
	assert.Error(t, err)

	_, err = Parse(tok, testKey, "someone-else")
	assert.EqualError(t, err, "issuer mismatch")
}

func TestParseRejectsExpired(t *testing.T) {
	tok, _, err := Issue("U-S1", RoleStudent, testIssuer, testKey, -time.Minute)
	require.NoError(t, err)

	_, err = Parse(tok, testKey, testIssuer)
	assert.Error(t, err)
}

func TestIssueRequiresKey(t *testing.T) {
	_, _, err := Issue("U-S1", RoleStudent, testIssuer, "", time.Hour)
	assert.Error(t, err)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/staff", Bearer(testKey, testIssuer), RequireRole(RoleTeacher, RoleAdmin), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	return r
}

func TestBearerAndRoles(t *testing.T) {
	teacher, _, err := Issue("U-T1", RoleTeacher, testIssuer, testKey, time.Hour)
	require.NoError(t, err)
	student, _, err := Issue("U-S1", RoleStudent, testIssuer, testKey, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + student, http.StatusForbidden},
		{"teacher", "Bearer " + teacher, http.StatusOK},
		{"lowercase scheme", "bearer " + teacher, http.StatusOK},
	}
	r := newRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/staff", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "U-T1", w.Body.String())
			}
		})
	}
}
