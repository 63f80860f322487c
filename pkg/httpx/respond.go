// Package httpx renders the uniform JSON response envelope used by every endpoint.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/nqtran/shopflow/pkg/apperror"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// WriteError maps the error's taxonomy kind to an HTTP status and writes the envelope.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(kind))
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   string(kind),
		Message: err.Error(),
	})
}

func StatusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindPermission:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindConflict:
		return http.StatusConflict
	case apperror.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
