package core

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Error kinds shared by every component. Callers branch on them with
// errors.Is and pick a recovery policy per kind.
var (
	// ErrNotFound reports an unknown user, scope, paper or trace id.
	ErrNotFound = goerr.New("not found")

	// ErrServiceUnavailable reports a failed or timed out call to the
	// model or the embedding index.
	ErrServiceUnavailable = goerr.New("service unavailable")

	// ErrMalformedResponse reports model output that could not be parsed
	// into the structure that was asked for.
	ErrMalformedResponse = goerr.New("malformed response")

	// ErrInvalidArgument reports a request rejected before any work.
	ErrInvalidArgument = goerr.New("invalid argument")
)

// Unavailable wraps err so that it matches ErrServiceUnavailable while
// keeping the original cause reachable through errors.Is and errors.As.
func Unavailable(err error, msg string, opts ...goerr.Option) error {
	return goerr.Wrap(errors.Join(ErrServiceUnavailable, err), msg, opts...)
}

// Malformed wraps err so that it matches ErrMalformedResponse.
func Malformed(err error, msg string, opts ...goerr.Option) error {
	return goerr.Wrap(errors.Join(ErrMalformedResponse, err), msg, opts...)
}

// NotFound returns an error matching ErrNotFound.
func NotFound(msg string, opts ...goerr.Option) error {
	return goerr.Wrap(ErrNotFound, msg, opts...)
}

// Invalid returns an error matching ErrInvalidArgument.
func Invalid(msg string, opts ...goerr.Option) error {
	return goerr.Wrap(ErrInvalidArgument, msg, opts...)
}
