// Package apierr defines the hub's stable error taxonomy (§7 of the spec).
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the stable error codes surfaced to HTTP callers.
type Code string

const (
	CodeConfig               Code = "CONFIG_ERROR"
	CodeIdentity             Code = "IDENTITY_ERROR"
	CodeMountVisibility      Code = "MOUNT_VISIBILITY_ERROR"
	CodeNetworkReachability  Code = "NETWORK_REACHABILITY_ERROR"
	CodeCredentialResolution Code = "CREDENTIAL_RESOLUTION_ERROR"
	CodeBadRequest           Code = "BAD_REQUEST"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeUnprocessable        Code = "UNPROCESSABLE_ENTITY"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeUpstreamError        Code = "UPSTREAM_ERROR"
)

// HubError is the error type every hub component raises for a condition the
// HTTP surface must translate into {error_code, detail}.
type HubError struct {
	Code    Code
	Status  int
	Message string
	Err     error
}

func (e *HubError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HubError) Unwrap() error { return e.Err }

func newErr(code Code, status int, format string, args ...any) *HubError {
	return &HubError{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Config reports a malformed persisted state or user configuration.
func Config(format string, args ...any) *HubError {
	return newErr(CodeConfig, http.StatusBadRequest, format, args...)
}

// Identity reports that host uid/gid/username could not be resolved.
func Identity(format string, args ...any) *HubError {
	return newErr(CodeIdentity, http.StatusInternalServerError, format, args...)
}

// MountVisibility reports an unreadable mount source or a reserved path.
func MountVisibility(format string, args ...any) *HubError {
	return newErr(CodeMountVisibility, http.StatusConflict, format, args...)
}

// NetworkReachability reports an exhausted upstream/relay attempt.
func NetworkReachability(format string, args ...any) *HubError {
	return newErr(CodeNetworkReachability, http.StatusBadGateway, format, args...)
}

// CredentialResolution reports no usable credential or a rejected scope set.
func CredentialResolution(status int, format string, args ...any) *HubError {
	return newErr(CodeCredentialResolution, status, format, args...)
}

// BadRequest wraps a generic client-input failure.
func BadRequest(format string, args ...any) *HubError {
	return newErr(CodeBadRequest, http.StatusBadRequest, format, args...)
}

// NotFound wraps a missing-resource failure.
func NotFound(format string, args ...any) *HubError {
	return newErr(CodeNotFound, http.StatusNotFound, format, args...)
}

// Conflict wraps a state-conflict failure (already running, not ready, …).
func Conflict(format string, args ...any) *HubError {
	return newErr(CodeConflict, http.StatusConflict, format, args...)
}

// Upstream wraps a transport/auth failure talking to an external service.
func Upstream(status int, err error, format string, args ...any) *HubError {
	e := newErr(CodeUpstreamError, status, format, args...)
	e.Err = err
	return e
}

// Wrap attaches a code/status/message to an underlying error, matching the
// teacher's HandleJiraAPIError dispatch-by-type style: callers use
// errors.As to recover typed information further up the stack instead of
// matching on message text.
func Wrap(code Code, status int, err error, format string, args ...any) *HubError {
	e := newErr(code, status, format, args...)
	e.Err = err
	return e
}

// As is a thin convenience wrapper around errors.As for *HubError.
func As(err error) (*HubError, bool) {
	var he *HubError
	ok := errors.As(err, &he)
	return he, ok
}
