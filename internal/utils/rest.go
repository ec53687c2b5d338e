package utils

import (
	"encoding/json"
	"net/http"
)

// Error types, in the format OpenAI clients understand
const (
	ErrTypeInvalidRequest    = "invalid_request_error"
	ErrTypeInvalidAPIKey     = "invalid_api_key"
	ErrTypeInsufficientQuota = "insufficient_quota"
	ErrTypeRateLimit         = "rate_limit_exceeded"
	ErrTypeAPI               = "api_error"
	ErrTypeInternal          = "internal_error"
	ErrTypeNotFound          = "not_found"
	ErrTypePermission        = "permission_denied"
)

// APIError is the body of an error response
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// RespondWithError sends {"error":{"message","type","code"}}
func RespondWithError(w http.ResponseWriter, status int, errType, code, message string) {
	RespondWithJSON(w, status, ErrorResponse{Error: APIError{Message: message, Type: errType, Code: code}})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}
