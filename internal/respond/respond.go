// Package respond writes the JSON envelope shared by every endpoint:
// {"success": true, ...} on success and {"success": false, "error": "..."} on failure.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vitalink/backend/internal/models"
)

const RequestIDHeader = "X-Request-ID"

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// JSON writes v with the given status. Map payloads get "success": true unless set.
func JSON(w http.ResponseWriter, status int, v any) {
	if m, ok := v.(map[string]any); ok {
		if _, set := m["success"]; !set {
			m["success"] = true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OK writes {"success": true} merged with fields.
func OK(w http.ResponseWriter, status int, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	JSON(w, status, fields)
}

// Fail writes a failure envelope with an explicit status and message.
func Fail(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, errorBody{Success: false, Error: msg})
}

// Error maps err to a status and client message. Unexpected errors are logged and
// reported as a generic internal error.
func Error(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status, msg := Resolve(err)
	if status >= http.StatusInternalServerError {
		if log == nil {
			log = slog.Default()
		}
		log.Error("request failed",
			"error", err,
			"request_id", r.Header.Get(RequestIDHeader),
			"method", r.Method,
			"path", r.URL.Path,
		)
	}
	Fail(w, status, msg)
}

// Resolve returns the HTTP status and client-safe message for err.
func Resolve(err error) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Msg
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrExpired):
		return http.StatusBadRequest, "reset code expired"
	case errors.Is(err, models.ErrInvalidCode):
		return http.StatusNotFound, "invalid code"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrBadCredential):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, models.ErrDisabled):
		return http.StatusForbidden, "account disabled"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrDuplicateEmail):
		return http.StatusConflict, "email already registered"
	case errors.Is(err, models.ErrAlreadyUsed):
		return http.StatusConflict, "unlock code already used"
	case errors.Is(err, models.ErrCodeAlreadyUsed):
		return http.StatusConflict, "code already used"
	case errors.Is(err, models.ErrLimitReached):
		return http.StatusConflict, "code usage limit reached"
	case errors.Is(err, models.ErrAgentInactive):
		return http.StatusConflict, "agent is not active"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests, try again later"
	case errors.Is(err, models.ErrUpstream):
		return http.StatusBadGateway, "upstream service unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

// ValidationError carries a client-facing message for a rejected request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return models.ErrValidation }

// Invalid builds a ValidationError with a formatted message.
func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
