package auth

import (
	"context"
	"sync"

	"github.com/gwlsn/fleetdesk/internal/observer"
)

// NoopProvider signs every session in as a fixed operator without checking
// credentials. It backs the "none" auth backend for local development.
type NoopProvider struct {
	user *Identity

	mu       sync.Mutex
	signedIn bool
	events   *observer.Registry[Event]
}

// NewNoopProvider returns a provider whose sessions start signed in.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{
		user:     &Identity{ID: "noop", Email: "operator@localhost", Provider: ProviderPassword, Name: "Fleetdesk"},
		signedIn: true,
		events:   observer.NewRegistry[Event]("noop-auth"),
	}
}

// SignInWithPassword always succeeds.
func (p *NoopProvider) SignInWithPassword(_ context.Context, _, _ string) (*Identity, error) {
	p.setSignedIn(true)
	return p.user.Clone(), nil
}

// SignInWithOAuth returns the root path; there is nothing to redirect to.
func (p *NoopProvider) SignInWithOAuth(_ context.Context, _ Provider, _ string) (string, error) {
	p.setSignedIn(true)
	return "/", nil
}

// SignOut marks the session signed out until the next sign-in.
func (p *NoopProvider) SignOut(_ context.Context) error {
	p.setSignedIn(false)
	return nil
}

// CurrentUser returns the operator while signed in.
func (p *NoopProvider) CurrentUser(_ context.Context) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.signedIn {
		return nil, nil
	}
	return p.user.Clone(), nil
}

// OnAuthStateChange registers fn for sign-in and sign-out events.
func (p *NoopProvider) OnAuthStateChange(fn func(Event)) func() {
	return p.events.Add(fn)
}

func (p *NoopProvider) setSignedIn(v bool) {
	p.mu.Lock()
	changed := p.signedIn != v
	p.signedIn = v
	p.mu.Unlock()

	if !changed {
		return
	}
	if v {
		p.events.Notify(Event{Kind: EventSignedIn, Identity: p.user.Clone()})
	} else {
		p.events.Notify(Event{Kind: EventSignedOut})
	}
}
