package proxy

import "net/http"

// Error codes returned to callers of the proxy surface.
const (
	CodeUnauthorized        = "unauthorized"
	CodeNoCapacity          = "no_capacity"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// Error is a proxy failure that never reached a classified upstream response.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error code to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNoCapacity:
		return http.StatusServiceUnavailable
	case CodeUpstreamUnreachable:
		return http.StatusBadGateway
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
