package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/soaringjerry/persuasion/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorForbidden:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorBadGateway:
		return http.StatusBadGateway
	case services.ErrorUnavailable:
		return http.StatusServiceUnavailable
	case services.ErrorTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeServiceError maps service errors to HTTP statuses with a JSON body.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var te *services.TransitionError
	if errors.As(err, &te) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": te.Error(), "state": te.From})
		return
	}
	if se, ok := services.AsServiceError(err); ok {
		status := statusFor(se.Code)
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", "code", se.Code, "error", err)
		}
		writeJSON(w, status, map[string]string{"error": se.Message})
		return
	}
	logger.Error("unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
