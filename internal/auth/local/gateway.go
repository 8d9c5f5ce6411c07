// Package local is the self-hosted identity backend: password accounts
// from configuration plus OIDC connectors for external logins. The signed
// in identity is kept in the client's local storage.
package local

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/observer"
	"github.com/gwlsn/fleetdesk/internal/store"
)

const (
	sessionKey        = "fleetdesk.auth.session"
	pendingKey        = "fleetdesk.auth.pending"
	defaultSessionTTL = 24 * time.Hour
	pendingTTL        = 10 * time.Minute
)

// invalidCredentialsMessage is what the dashboard shows for a rejected login.
const invalidCredentialsMessage = "Credenziali non valide."

// Users maps an e-mail address to its password hash.
type Users map[string]string

// Gateway implements auth.IdentityProvider and auth.CodeExchanger.
type Gateway struct {
	users      Users
	hashAlgo   string
	connectors *auth.Registry
	storage    store.KV
	sessionTTL time.Duration
	now        func() time.Time

	// mu serialises read-modify-write cycles on the stored session.
	mu     sync.Mutex
	events *observer.Registry[auth.Event]
}

// Options configures a Gateway.
type Options struct {
	Users      Users
	HashAlgo   string
	Connectors *auth.Registry
	SessionTTL time.Duration
}

type storedSession struct {
	Identity  auth.Identity `json:"identity"`
	ExpiresAt int64         `json:"expires_at"`
}

type storedPending struct {
	auth.PendingLogin
	Provider  auth.Provider `json:"provider"`
	ExpiresAt int64         `json:"expires_at"`
}

// NewGateway creates a gateway persisting into storage.
func NewGateway(storage store.KV, opts Options) (*Gateway, error) {
	if storage == nil {
		return nil, errors.New("local auth requires storage")
	}
	if len(opts.Users) == 0 && len(opts.Connectors.Names()) == 0 {
		return nil, errors.New("local auth requires at least one user or oauth connector")
	}
	algo, err := normalizeHashAlgo(opts.HashAlgo)
	if err != nil {
		return nil, err
	}

	users := make(Users, len(opts.Users))
	for email, hash := range opts.Users {
		users[normalizeEmail(email)] = hash
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return &Gateway{
		users:      users,
		hashAlgo:   algo,
		connectors: opts.Connectors,
		storage:    storage,
		sessionTTL: ttl,
		now:        time.Now,
		events:     observer.NewRegistry[auth.Event]("local-auth"),
	}, nil
}

// SignInWithPassword verifies the credentials against the configured users.
func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*auth.Identity, error) {
	email = normalizeEmail(email)
	hash, ok := g.users[email]
	if !ok {
		return nil, &auth.CredentialsError{Message: invalidCredentialsMessage}
	}
	match, err := verifyPassword(g.hashAlgo, hash, password)
	if err != nil {
		logger.Warn("Password hash could not be checked", "email", email, "error", err)
	}
	if err != nil || !match {
		return nil, &auth.CredentialsError{Message: invalidCredentialsMessage}
	}

	identity := &auth.Identity{
		ID:       passwordUserID(email),
		Email:    email,
		Provider: auth.ProviderPassword,
	}
	if err := g.persist(ctx, identity); err != nil {
		return nil, err
	}
	g.events.Notify(auth.Event{Kind: auth.EventSignedIn, Identity: identity.Clone()})
	return identity, nil
}

// SignInWithOAuth records a pending login and returns the connector's
// authorization URL. The callback address is fixed per connector, so
// redirectTo is not used.
func (g *Gateway) SignInWithOAuth(ctx context.Context, provider auth.Provider, _ string) (string, error) {
	connector, ok := g.connectors.Connector(provider)
	if !ok {
		return "", auth.UnsupportedProvider(provider)
	}

	pending, err := auth.NewPendingLogin()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(storedPending{
		PendingLogin: pending,
		Provider:     provider,
		ExpiresAt:    g.now().Add(pendingTTL).Unix(),
	})
	if err != nil {
		return "", err
	}
	if err := g.storage.Set(ctx, pendingKey, string(data)); err != nil {
		return "", fmt.Errorf("store pending login: %w", err)
	}
	return connector.AuthCodeURL(pending), nil
}

// ExchangeCode completes a login started by SignInWithOAuth.
func (g *Gateway) ExchangeCode(ctx context.Context, provider auth.Provider, code, state string) (*auth.Identity, error) {
	connector, ok := g.connectors.Connector(provider)
	if !ok {
		return nil, auth.UnsupportedProvider(provider)
	}

	raw, err := g.storage.Get(ctx, pendingKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	// A pending login is single use whatever the outcome.
	if err := g.storage.Delete(ctx, pendingKey); err != nil {
		logger.Warn("Failed to delete pending login", "error", err)
	}

	var pending storedPending
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, auth.ErrInvalidState
	}
	if pending.Provider != provider || pending.ExpiresAt < g.now().Unix() {
		return nil, auth.ErrInvalidState
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		return nil, auth.ErrInvalidState
	}

	identity, err := connector.Exchange(ctx, code, pending.PendingLogin)
	if err != nil {
		return nil, err
	}
	if err := g.persist(ctx, identity); err != nil {
		return nil, err
	}
	g.events.Notify(auth.Event{Kind: auth.EventSignedIn, Identity: identity.Clone()})
	return identity, nil
}

// SignOut forgets the stored session.
func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	_, err := g.storage.Get(ctx, sessionKey)
	had := err == nil
	if err := g.storage.Delete(ctx, sessionKey); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("delete session: %w", err)
	}
	g.mu.Unlock()

	if had {
		g.events.Notify(auth.Event{Kind: auth.EventSignedOut})
	}
	return nil
}

// CurrentUser returns the stored identity. An expired session is removed
// and reported as signed out.
func (g *Gateway) CurrentUser(ctx context.Context) (*auth.Identity, error) {
	g.mu.Lock()
	raw, err := g.storage.Get(ctx, sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		g.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	var session storedSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.ExpiresAt < g.now().Unix() {
		if delErr := g.storage.Delete(ctx, sessionKey); delErr != nil {
			logger.Warn("Failed to delete stale session", "error", delErr)
		}
		g.mu.Unlock()
		g.events.Notify(auth.Event{Kind: auth.EventSignedOut})
		return nil, nil
	}
	g.mu.Unlock()

	identity := session.Identity
	return &identity, nil
}

// OnAuthStateChange registers fn for sign-in and sign-out events.
func (g *Gateway) OnAuthStateChange(fn func(auth.Event)) func() {
	return g.events.Add(fn)
}

func (g *Gateway) persist(ctx context.Context, identity *auth.Identity) error {
	data, err := json.Marshal(storedSession{
		Identity:  *identity,
		ExpiresAt: g.now().Add(g.sessionTTL).Unix(),
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.storage.Set(ctx, sessionKey, string(data)); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// passwordUserID derives a stable ID so the same account keeps its ID
// across restarts without a user table.
func passwordUserID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("fleetdesk:"+email)).String()
}
