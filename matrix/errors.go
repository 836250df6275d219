package matrix

import (
	"errors"
	"fmt"
)

// Sentinel targets for errors.Is on RequestError values. The transport maps
// Matrix JSON error bodies onto RequestError; these let callers branch on the
// HTTP class without fishing the status code out themselves.
var (
	ErrNotAuthorized   = errors.New("matrix: not authorized")
	ErrForbidden       = errors.New("matrix: forbidden")
	ErrNotFound        = errors.New("matrix: not found")
	ErrConflict        = errors.New("matrix: conflict")
	ErrTooManyRequests = errors.New("matrix: too many requests")
)

// ConnectionError reports that a request never produced a usable response:
// network failures, TLS failures, empty 2xx bodies, and 5xx responses other
// than 504.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matrix: connection error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("matrix: connection error during %s", e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a request that timed out locally or returned 504.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matrix: timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("matrix: timeout during %s", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RequestError is a Matrix error response: the homeserver answered with a
// non-2xx status and a JSON error body. Code carries the Matrix errcode
// (e.g. M_FORBIDDEN), Data any extra fields from the body.
type RequestError struct {
	HTTPStatus int
	Code       string
	Message    string
	Data       map[string]any
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("matrix: request failed with %d %s: %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("matrix: request failed with %d: %s", e.HTTPStatus, e.Message)
}

// Is maps HTTP status classes onto the sentinel targets above.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrNotAuthorized:
		return e.HTTPStatus == 401
	case ErrForbidden:
		return e.HTTPStatus == 403
	case ErrNotFound:
		return e.HTTPStatus == 404
	case ErrConflict:
		return e.HTTPStatus == 409
	case ErrTooManyRequests:
		return e.HTTPStatus == 429
	}
	return false
}

// RetryAfter returns the advertised retry delay in milliseconds for 429
// responses. The homeserver puts retry_after_ms either at the top level or
// nested under the error object; zero means nothing was advertised.
func (e *RequestError) RetryAfter() int64 {
	if ms, ok := numberField(e.Data, "retry_after_ms"); ok {
		return ms
	}
	if nested, ok := e.Data["error"].(map[string]any); ok {
		if ms, ok := numberField(nested, "retry_after_ms"); ok {
			return ms
		}
	}
	return 0
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// notLoggedInError is what token-requiring calls return before login.
func notLoggedInError() error {
	return &RequestError{
		HTTPStatus: 401,
		Code:       "M_MISSING_TOKEN",
		Message:    "no access token; log in first",
	}
}
