package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is the sentinel matched by every
	// *CredentialsError.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnsupportedProvider is returned for OAuth providers the backend
	// has no connector for.
	ErrUnsupportedProvider = errors.New("unsupported auth provider")
	// ErrNoSession is returned when an operation needs a stored session.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidState is returned when an OAuth callback does not match a
	// pending login.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrUnavailable marks failures where the identity service could not
	// be reached or answered with a server error.
	ErrUnavailable = errors.New("identity service unavailable")
)

// CredentialsError carries the identity service's own rejection message.
type CredentialsError struct {
	Message string
}

func (e *CredentialsError) Error() string {
	if e.Message == "" {
		return ErrInvalidCredentials.Error()
	}
	return e.Message
}

func (e *CredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}

// UnsupportedProvider wraps ErrUnsupportedProvider with the provider name.
func UnsupportedProvider(p Provider) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
}
