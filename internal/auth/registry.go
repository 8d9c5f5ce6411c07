package auth

import (
	"context"
	"sort"
)

// Connector performs the redirect half of an external OAuth login.
// Implementations return identity facts only; session handling belongs to
// the backend that owns the connector.
type Connector interface {
	// AuthCodeURL returns the authorization URL for a pending login.
	AuthCodeURL(pending PendingLogin) string
	// Exchange trades an authorization code for a verified identity.
	Exchange(ctx context.Context, code string, pending PendingLogin) (*Identity, error)
}

// Registry stores configured OAuth connectors.
type Registry struct {
	connectors map[Provider]Connector
}

// NewRegistry creates a registry for OAuth connectors.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[Provider]Connector)}
}

// Register adds a connector under a provider name.
func (r *Registry) Register(name Provider, connector Connector) {
	r.connectors[name] = connector
}

// Connector returns the connector registered for name.
func (r *Registry) Connector(name Provider) (Connector, bool) {
	if r == nil {
		return nil, false
	}
	connector, ok := r.connectors[name]
	return connector, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []Provider {
	if r == nil {
		return nil
	}
	names := make([]Provider, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
