package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy surfaced to callers. Callers match with errors.Is.
var (
	// ErrValidation covers rejected credentials or fields. Recoverable; the
	// user can correct the input and retry.
	ErrValidation = errors.New("auth: validation failed")

	// ErrNetwork covers transport failures and server-side errors.
	// Transient; the caller may retry.
	ErrNetwork = errors.New("auth: network error")

	// ErrSessionExpired is raised only from Do when the backend rejects a
	// previously valid credential. The controller has already forced a
	// logout; the caller must re-authenticate.
	ErrSessionExpired = errors.New("auth: session expired")
)

// apiError maps a non-2xx response to a typed error, preferring the
// server-provided message over a generic fallback.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}

	if status >= 500 {
		return fmt.Errorf("%w: %s", ErrNetwork, msg)
	}
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
