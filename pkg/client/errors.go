package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Normalized error codes. Every failure leaving this package carries one of
// these (or a server-supplied code), so callers never branch on transport
// shapes.
const (
	CodeUnknown        = "UNKNOWN_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeConflict       = "CONFLICT"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
)

// APIError is the single normalized failure shape.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Status  int            `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

func apiErr(code, message string, status int) *APIError {
	return &APIError{Code: code, Message: message, Status: status}
}

// AsAPIError unwraps err into an *APIError, or nil.
func AsAPIError(err error) *APIError {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

func hasCode(err error, code string) bool {
	ae := AsAPIError(err)
	return ae != nil && ae.Code == code
}

func IsRateLimited(err error) bool { return hasCode(err, CodeRateLimited) }

func IsSessionExpired(err error) bool { return hasCode(err, CodeSessionExpired) }

// IsConflict reports a version mismatch or an already-resolved resource.
func IsConflict(err error) bool {
	if hasCode(err, CodeConflict) {
		return true
	}
	ae := AsAPIError(err)
	return ae != nil && ae.Status == http.StatusConflict
}

// IsTransient reports failures that are safe to retry wholesale.
func IsTransient(err error) bool {
	ae := AsAPIError(err)
	if ae == nil {
		return false
	}
	return ae.Code == CodeUnknown || ae.Code == CodeRateLimited || ae.Code == CodeUnavailable
}

// errorBody mirrors the server's error field, which is either a bare string,
// a structured {code,message,details} object, or absent with a top-level
// message.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

// normalizeError maps a non-2xx response body to an APIError. Message
// priority: string error, structured error.message, top-level message,
// generic fallback.
func normalizeError(status int, body []byte) *APIError {
	out := &APIError{Code: CodeUnknown, Message: "request failed", Status: status}
	switch status {
	case http.StatusConflict:
		out.Code = CodeConflict
	case http.StatusUnauthorized:
		out.Code = CodeUnauthorized
	}

	var raw struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return out
	}

	if len(raw.Error) > 0 {
		var s string
		if err := json.Unmarshal(raw.Error, &s); err == nil && s != "" {
			out.Message = s
			return out
		}
		var eb errorBody
		if err := json.Unmarshal(raw.Error, &eb); err == nil && (eb.Message != "" || eb.Code != "") {
			if eb.Code != "" {
				out.Code = eb.Code
			}
			if eb.Message != "" {
				out.Message = eb.Message
			}
			out.Details = eb.Details
			return out
		}
	}
	if raw.Message != "" {
		out.Message = raw.Message
	}
	return out
}
