package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cardlink/backend/internal/logging"
)

// envelope is the uniform response shape for every endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stable error codes shared by all handlers. Exchange-specific codes come
// from the exchange package.
const (
	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeInternalError  = "internal_error"
)

func respondData(ctx context.Context, w http.ResponseWriter, status int, data any) {
	respondJSON(ctx, w, status, envelope{Success: true, Data: data})
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code string) {
	respondJSON(ctx, w, status, envelope{Success: false, Error: code})
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "error", payload.Error,
			"request_id", logging.RequestIDFromContext(ctx))
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "error", payload.Error)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// requireUser resolves the caller's identity from the bearer token. On
// failure it writes the 401 envelope and reports false.
func requireUser(w http.ResponseWriter, r *http.Request, sessions SessionManager) (string, bool) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		respondError(ctx, w, http.StatusUnauthorized, codeUnauthorized)
		return "", false
	}

	userID, err := sessions.Authenticate(ctx, token)
	if err != nil {
		logging.FromContext(ctx).Warn("authentication failed", "error", err)
		respondError(ctx, w, http.StatusUnauthorized, codeUnauthorized)
		return "", false
	}

	return userID, true
}
