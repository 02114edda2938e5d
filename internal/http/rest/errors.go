package rest

import (
	"encoding/json"
	"net/http"

	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/logctx"
)

const unexpectedError = "Unexpected server error"

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err to a status and writes the JSON error body. Unknown
// errors are logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	status, known := apperr.StatusCode(err)

	msg := err.Error()
	if !known {
		logger.ErrorContext(ctx, "request failed", "err", err)

		msg = unexpectedError
	} else {
		logger.DebugContext(ctx, "request rejected", "status", status, "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
