package backends

import (
	"fmt"

	"github.com/pkg/errors"

	"fleet-orchestrator/core/models"
)

// ErrNotSupported is returned for operations a backend does not implement
var ErrNotSupported = errors.New("operation not supported by backend")

// BackendError is a systemic failure of a backend (timeouts, API outages)
type BackendError struct {
	Backend models.BackendType
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// BackendAuthError means the backend rejected the request's authorization
type BackendAuthError struct {
	Backend models.BackendType
	Err     error
}

func (e *BackendAuthError) Error() string {
	return fmt.Sprintf("backend %s: not authorized: %v", e.Backend, e.Err)
}

func (e *BackendAuthError) Unwrap() error { return e.Err }

// BackendInvalidCredentialsError means the configured credentials are unusable
type BackendInvalidCredentialsError struct {
	Backend models.BackendType
	Msg     string
}

func (e *BackendInvalidCredentialsError) Error() string {
	return fmt.Sprintf("backend %s: invalid credentials: %s", e.Backend, e.Msg)
}

// NoCapacityError means the offer could not be provisioned right now
type NoCapacityError struct {
	Msg string
}

func (e *NoCapacityError) Error() string {
	if e.Msg == "" {
		return "no capacity"
	}
	return "no capacity: " + e.Msg
}

// NewNoCapacityError formats a NoCapacityError
func NewNoCapacityError(format string, args ...interface{}) error {
	return &NoCapacityError{Msg: fmt.Sprintf(format, args...)}
}

// ComputeError is a generic provisioning failure
type ComputeError struct {
	Msg string
	Err error
}

func (e *ComputeError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// IsNoCapacity reports whether err is, or wraps, a NoCapacityError
func IsNoCapacity(err error) bool {
	var e *NoCapacityError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authorization or credentials failure
func IsAuthError(err error) bool {
	var authErr *BackendAuthError
	if errors.As(err, &authErr) {
		return true
	}
	var credsErr *BackendInvalidCredentialsError
	return errors.As(err, &credsErr)
}
