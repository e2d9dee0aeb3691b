package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/intellibi/analytics-engine/pkg/apperrors"
)

// ApiResponse wraps data in the envelope every endpoint returns.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(ApiResponse{
		Success: false,
		Error:   errorCode,
		Message: message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// RespondAppError maps an error's kind onto an HTTP status and writes the
// envelope. Unclassified errors surface as 500 with a generic message.
func RespondAppError(w http.ResponseWriter, err error) error {
	kind := apperrors.KindOf(err)

	message := "Query execution failed"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
		if appErr.Clarification != "" {
			message = appErr.Clarification
		}
	}

	return ErrorResponse(w, statusForKind(kind), string(kind), message)
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindGuardrail:
		return http.StatusForbidden
	case apperrors.KindAmbiguous:
		return http.StatusUnprocessableEntity
	case apperrors.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case apperrors.KindConnection:
		return http.StatusBadGateway
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
