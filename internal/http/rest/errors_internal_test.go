package rest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/token"
	"github.com/stretchr/testify/assert"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"validation", apperr.Invalid("image", "Image file is required"), http.StatusBadRequest, `{"error":"Image file is required"}`},
		{"forbidden", &apperr.ForbiddenError{Reason: tokenDenial(token.ErrTokenUsed), Err: token.ErrTokenUsed}, http.StatusForbidden, `{"error":"Token already used"}`},
		{"not found", &apperr.NotFoundError{Resource: "file"}, http.StatusNotFound, `{"error":"File not found"}`},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, `{"error":"Unexpected server error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestTokenDenial(t *testing.T) {
	tests := map[error]string{
		token.ErrInvalidToken: "Invalid token",
		token.ErrTokenExpired: "Token expired",
		token.ErrTokenUsed:    "Token already used",
		errors.New("other"):   "Invalid token",
	}

	for err, want := range tests {
		assert.Equal(t, want, tokenDenial(err), "error %v", err)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	l := NewRateLimiter(1, 50*time.Millisecond)

	ok, remaining, _ := l.Allow("a")
	assert.True(t, ok)
	assert.Zero(t, remaining)

	ok, _, _ = l.Allow("a")
	assert.False(t, ok)

	ok, _, _ = l.Allow("b")
	assert.True(t, ok, "clients are counted separately")

	assert.Eventually(t, func() bool {
		ok, _, _ := l.Allow("a")
		return ok
	}, time.Second, 20*time.Millisecond)
}
