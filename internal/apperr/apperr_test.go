package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NotFound("QR token not found"), http.StatusNotFound},
		{"bad request", BadRequest("Token or code is required"), http.StatusBadRequest},
		{"gone", Gone("Token has expired"), http.StatusGone},
		{"forbidden", Forbidden("not enrolled"), http.StatusForbidden},
		{"conflict", Conflict("already checked in"), http.StatusConflict},
		{"too many", TooManyRequests("slow down"), http.StatusTooManyRequests},
		{"internal", Internal("db", errors.New("boom")), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("handler: %w", Conflict("dup")), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessageHidesInternalCause(t *testing.T) {
	err := Internal("failed to record check-in", errors.New("pq: connection refused"))

	assert.Equal(t, "internal server error", PublicMessage(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "Token has expired", PublicMessage(Gone("Token has expired")))
}

func TestIs(t *testing.T) {
	assert.True(t, Is(Gone("x"), KindGone))
	assert.False(t, Is(Gone("x"), KindConflict))
	assert.False(t, Is(nil, KindInternal))
}
