package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", Invalid("preset", "Invalid preset"), "Invalid preset"},
		{"not found with resource", &NotFoundError{Resource: "file", ID: "x"}, "File not found"},
		{"not found bare", &NotFoundError{}, "Not found"},
		{"forbidden reason", &ForbiddenError{Reason: "Token expired", Err: errors.New("token expired")}, "Token expired"},
		{"forbidden falls back to cause", &ForbiddenError{Err: errors.New("token expired")}, "token expired"},
		{"forbidden bare", &ForbiddenError{}, "Forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantKnown bool
	}{
		{"validation", Invalid("", "Image file is required"), http.StatusBadRequest, true},
		{"wrapped validation", fmt.Errorf("parse: %w", Invalid("quality", "bad")), http.StatusBadRequest, true},
		{"body too large", &http.MaxBytesError{Limit: 10}, http.StatusBadRequest, true},
		{"forbidden", &ForbiddenError{Reason: "Invalid token"}, http.StatusForbidden, true},
		{"not found", &NotFoundError{Resource: "file"}, http.StatusNotFound, true},
		{"unknown", errors.New("codec exploded"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, known := StatusCode(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantKnown, known)
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("strconv failure")
	err := &ValidationError{Field: "width", Reason: "width must be a positive integer", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, &ForbiddenError{Err: cause}, cause)
}
