package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/example/labkeeper/internal/apperr"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"error_message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindBadRequest, apperr.KindInvalidInvite, apperr.KindConstraintViolation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized, apperr.KindInvalidToken, apperr.KindExpiredToken:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError translates err into the error envelope. Unclassified errors
// become a 500 whose cause is logged and never returned.
func (a *App) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Internal(err)
	}
	status := statusFor(e.Kind)
	entry := a.log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": requestID(r),
		"error_code": e.Code,
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.Debug(e.Message)
	}
	writeJSON(w, status, APIError{Code: e.Code, Message: e.Message, Details: e.Details})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.BadRequest("invalid_json", "Request body must be valid JSON")
	}
	return nil
}
