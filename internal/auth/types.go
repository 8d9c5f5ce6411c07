package auth

import "context"

// Provider names the mechanism that authenticated an identity.
type Provider string

const (
	ProviderPassword Provider = "password"
	ProviderGoogle   Provider = "google"
)

// Identity represents the authenticated user of a client session.
type Identity struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Provider Provider `json:"provider"`
	Name     string   `json:"name,omitempty"`
}

// Equal reports whether two identities describe the same signed-in user.
// Nil is only equal to nil.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return *i == *other
}

// Clone returns a copy the caller may keep.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// EventKind is the type of an auth-state change pushed by a provider.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// Event is an auth-state change. Identity is nil for EventSignedOut.
type Event struct {
	Kind     EventKind
	Identity *Identity
}

// IdentityProvider is the identity service a client session talks to.
type IdentityProvider interface {
	// SignInWithPassword exchanges credentials for a session. Rejected
	// credentials are reported as a *CredentialsError.
	SignInWithPassword(ctx context.Context, email, password string) (*Identity, error)
	// SignInWithOAuth starts a redirect-based login and returns the URL
	// the user agent must visit.
	SignInWithOAuth(ctx context.Context, provider Provider, redirectTo string) (string, error)
	// SignOut ends the remote session.
	SignOut(ctx context.Context) error
	// CurrentUser returns the identity of the stored session, or nil.
	CurrentUser(ctx context.Context) (*Identity, error)
	// OnAuthStateChange registers fn for pushed auth-state changes.
	OnAuthStateChange(fn func(Event)) (unsubscribe func())
}

// CodeExchanger is implemented by providers that complete an OAuth
// redirect on the application's callback endpoint.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, provider Provider, code, state string) (*Identity, error)
}
