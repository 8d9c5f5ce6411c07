package session

import (
	"errors"
	"net/url"

	"github.com/gwlsn/fleetdesk/internal/auth"
)

// LogoutStrategy builds the URL that ends a session at an external
// provider and then returns the user agent to returnTo.
type LogoutStrategy interface {
	LogoutURL(returnTo string) (string, error)
}

// StrategyFunc adapts a function to LogoutStrategy.
type StrategyFunc func(returnTo string) (string, error)

func (f StrategyFunc) LogoutURL(returnTo string) (string, error) {
	return f(returnTo)
}

// Strategies maps providers to their logout strategy. Providers without an
// entry are logged out locally only.
type Strategies map[auth.Provider]LogoutStrategy

// DefaultStrategies knows how to leave a Google session.
func DefaultStrategies() Strategies {
	return Strategies{auth.ProviderGoogle: GoogleLogout{}}
}

// Lookup returns the strategy for provider.
func (s Strategies) Lookup(provider auth.Provider) (LogoutStrategy, bool) {
	strategy, ok := s[provider]
	return strategy, ok && strategy != nil
}

const (
	googleLogoutURL    = "https://accounts.google.com/Logout"
	googleContinueBase = "https://appengine.google.com/_ah/logout"
)

// GoogleLogout signs the browser out of its Google account. Google only
// follows continue URLs on its own domains, so the return address is
// chained through the App Engine logout endpoint.
type GoogleLogout struct {
	// BaseURL overrides the Google logout endpoint.
	BaseURL string
}

func (g GoogleLogout) LogoutURL(returnTo string) (string, error) {
	base := g.BaseURL
	if base == "" {
		base = googleLogoutURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	cont, err := url.Parse(googleContinueBase)
	if err != nil {
		return "", err
	}
	cq := cont.Query()
	cq.Set("continue", returnTo)
	cont.RawQuery = cq.Encode()

	q := u.Query()
	q.Set("continue", cont.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EndSessionLogout is OpenID Connect RP-initiated logout against an
// issuer's end_session_endpoint.
type EndSessionLogout struct {
	EndSessionURL string
	ClientID      string
}

func (e EndSessionLogout) LogoutURL(returnTo string) (string, error) {
	if e.EndSessionURL == "" {
		return "", errors.New("issuer has no end_session_endpoint")
	}
	u, err := url.Parse(e.EndSessionURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("post_logout_redirect_uri", returnTo)
	if e.ClientID != "" {
		q.Set("client_id", e.ClientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
