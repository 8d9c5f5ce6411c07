package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"go.opentelemetry.io/otel/attribute"
)

// Messages shown to the user on the login form.
const (
	MessageMissingCredentials = "Inserisci email e password."
	MessageNetwork            = "Errore di connessione. Riprova più tardi."
	MessageUnexpected         = "Si è verificato un errore imprevisto. Riprova."
)

// ErrMissingCredentials is matched by the LoginError returned for an empty
// email or password.
var ErrMissingCredentials = errors.New("missing email or password")

// Reason classifies a failed login.
type Reason string

const (
	ReasonMissingCredentials Reason = "missing_credentials"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonNetwork            Reason = "network"
	ReasonUnexpected         Reason = "unexpected"
)

// LoginError is returned by the login flows. Message is safe to show to
// the user.
type LoginError struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *LoginError) Error() string {
	return e.Message
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// Result is the data form of a login attempt.
type Result struct {
	Success bool           `json:"success"`
	User    *auth.Identity `json:"user,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ResultOf converts the return values of a login call into a Result.
func ResultOf(identity *auth.Identity, err error) Result {
	if err != nil {
		var loginErr *LoginError
		if errors.As(err, &loginErr) {
			return Result{Error: loginErr.Message}
		}
		return Result{Error: MessageUnexpected}
	}
	return Result{Success: true, User: identity}
}

// LoginWithPassword signs in with email and password. Empty input fails
// without contacting the provider. On failure the current identity is
// left as it was; on success it is updated before returning.
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (identity *auth.Identity, err error) {
	ctx, span := tracer.Start(ctx, "session.LoginWithPassword")
	defer func() { endSpan(span, err) }()

	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, &LoginError{Reason: ReasonMissingCredentials, Message: MessageMissingCredentials, Err: ErrMissingCredentials}
	}

	identity, err = callProvider(func() (*auth.Identity, error) {
		return s.provider.SignInWithPassword(ctx, email, password)
	})
	if err == nil && identity == nil {
		err = errors.New("identity provider returned no identity")
	}
	if err != nil {
		loginErr := classify(err)
		logger.Info("Password login failed", "reason", loginErr.Reason, "error", err)
		return nil, loginErr
	}

	s.setCurrent(identity)
	span.SetAttributes(attribute.String("auth.provider", string(identity.Provider)))
	return identity.Clone(), nil
}

// LoginWithGoogle starts a Google login. See LoginWithOAuth.
func (s *Service) LoginWithGoogle(ctx context.Context, redirectTo string) (string, error) {
	return s.LoginWithOAuth(ctx, auth.ProviderGoogle, redirectTo)
}

// LoginWithOAuth starts a redirect-based login and navigates to the
// provider. Success only means the redirect was initiated; the identity
// arrives later through CompleteOAuth or the provider's own events.
func (s *Service) LoginWithOAuth(ctx context.Context, provider auth.Provider, redirectTo string) (target string, err error) {
	ctx, span := tracer.Start(ctx, "session.LoginWithOAuth")
	span.SetAttributes(attribute.String("auth.provider", string(provider)))
	defer func() { endSpan(span, err) }()

	target, err = callProvider(func() (string, error) {
		return s.provider.SignInWithOAuth(ctx, provider, redirectTo)
	})
	if err != nil {
		loginErr := classify(err)
		logger.Info("OAuth login could not start", "provider", provider, "reason", loginErr.Reason, "error", err)
		return "", loginErr
	}

	s.navigate(ctx, target)
	return target, nil
}

// CompleteOAuth finishes a redirect login on the callback endpoint.
func (s *Service) CompleteOAuth(ctx context.Context, provider auth.Provider, code, state string) (identity *auth.Identity, err error) {
	ctx, span := tracer.Start(ctx, "session.CompleteOAuth")
	span.SetAttributes(attribute.String("auth.provider", string(provider)))
	defer func() { endSpan(span, err) }()

	exchanger, ok := s.provider.(auth.CodeExchanger)
	if !ok {
		return nil, auth.UnsupportedProvider(provider)
	}
	identity, err = callProvider(func() (*auth.Identity, error) {
		return exchanger.ExchangeCode(ctx, provider, code, state)
	})
	if err == nil && identity == nil {
		err = errors.New("identity provider returned no identity")
	}
	if err != nil {
		return nil, fmt.Errorf("complete %s login: %w", provider, err)
	}

	s.setCurrent(identity)
	return identity.Clone(), nil
}

// classify maps a provider error onto the login error taxonomy.
func classify(err error) *LoginError {
	var credErr *auth.CredentialsError
	if errors.As(err, &credErr) {
		return &LoginError{Reason: ReasonInvalidCredentials, Message: credErr.Error(), Err: err}
	}

	var netErr net.Error
	if errors.Is(err, auth.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return &LoginError{Reason: ReasonNetwork, Message: MessageNetwork, Err: err}
	}
	return &LoginError{Reason: ReasonUnexpected, Message: MessageUnexpected, Err: err}
}

// callProvider runs fn, turning a panic into an error.
func callProvider[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
	}()
	return fn()
}
