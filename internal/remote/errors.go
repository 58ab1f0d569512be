package remote

import (
	"errors"
	"fmt"
)

// Errors returned by remote clients, always wrapped in *Error.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, remote.ErrPreconditionFailed) {
//	    // Remote changed since the revision we uploaded against
//	}
var (
	// ErrNotFound is returned by Download when the file does not exist.
	ErrNotFound = errors.New("remote file not found")

	// ErrUnauthorized is returned when the backend rejects the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPreconditionFailed is returned by Upload when the remote revision
	// no longer matches the supplied precondition, or when a create-only
	// upload finds the file already there.
	ErrPreconditionFailed = errors.New("revision precondition failed")

	// ErrRateLimited is returned when the backend throttles requests.
	ErrRateLimited = errors.New("rate limited")

	// ErrRejected is returned when the backend refuses a request as
	// malformed. Repeating it unchanged fails the same way.
	ErrRejected = errors.New("request rejected")

	// ErrServer is returned for backend-side failures.
	ErrServer = errors.New("remote server error")

	// ErrTransport is returned when the backend could not be reached.
	ErrTransport = errors.New("transport error")

	// ErrNoCredentials is returned when an authenticated backend has no
	// stored credential.
	ErrNoCredentials = errors.New("no credentials")
)

// Error records a failed remote operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an *Error classified as kind. cause, when non-nil, is kept in
// the chain for logging.
func Wrap(op, path string, kind, cause error) error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &Error{Op: op, Path: path, Err: err}
}

// Category names the class of err for notifications and metrics.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "local"
	}
}

// IsRetryable returns true if the error is likely to succeed on a later
// attempt without user action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServer)
}

// IsAuthError returns true if the error requires new credentials.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoCredentials)
}
