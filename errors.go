package ghauth

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Client-facing error codes. State validation failures deliberately
// collapse into one generic code; the audit log keeps the specific
// cause.
const (
	CodeInvalidToken       = "invalid_token"
	CodeTokenExpired       = "token_expired"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidRedirectURI = "invalid_redirect_uri"
	CodeInvalidRequest     = "invalid_request"
	CodeServerError        = "server_error"

	// Codes carried back to the frontend in the auth_error query
	// parameter after a failed callback.
	CodeStateInvalid        = "state_invalid"
	CodeCodeExpired         = "code_expired"
	CodeProviderUnreachable = "provider_unreachable"
)

// AuthError is a client-facing error with an HTTP status.
type AuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewAuthError creates a client-facing error.
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{Code: code, Description: description, Status: status}
}

// writeError writes an AuthError as a JSON response body.
func writeError(w http.ResponseWriter, e *AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

// writeJSON writes an arbitrary JSON response body.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
