package server

import (
	"encoding/json"
	"net/http"

	"github.com/enrichhq/enrich-api/internal/apperror"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

// writeAppError flattens structured error details (canResume,
// cooldownDaysLeft, ...) into the response body so callers can branch on
// them without parsing the message.
func writeAppError(w http.ResponseWriter, err *apperror.AppError) {
	body := map[string]any{
		"success": false,
		"message": err.Message(),
		"code":    err.Code(),
	}
	for k, v := range err.Details() {
		body[k] = v
	}
	writeJSON(w, err.HTTPStatus(), body)
}

// writeServiceError routes typed app errors to their status and everything
// else to a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperror.AppError); ok {
		writeAppError(w, ae)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
