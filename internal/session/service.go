// Package session keeps track of who is signed in to one client session
// (a browser tab of the dashboard) and runs the login and logout flows
// against an auth.IdentityProvider.
//
// A Service is constructed explicitly and owned by whoever owns the
// client. Identity changes are fanned out synchronously to listeners in
// registration order, always after the in-memory identity was updated.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/observer"
	"github.com/gwlsn/fleetdesk/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLogoutTimeout bounds each network step of a logout.
	DefaultLogoutTimeout = 5 * time.Second
	DefaultRedirect      = "/"
)

var tracer = otel.Tracer("github.com/gwlsn/fleetdesk/internal/session")

// DefaultCookieNames are the cookies a logout expires when none are
// configured: the hosted identity SDK's cookies and the dashboard's own.
var DefaultCookieNames = []string{
	"sb-access-token",
	"sb-refresh-token",
	"supabase-auth-token",
	"fleetdesk_session",
}

// Options configures a Service.
type Options struct {
	// Local and Session are cleared on logout. Either may be nil.
	Local   store.KV
	Session store.KV
	// Navigator receives every navigation the flows decide on. Optional.
	Navigator Navigator
	// Strategies maps a provider to its own logout redirect.
	Strategies Strategies
	// ForceProvider is the strategy used by LogoutOptions.Force when the
	// ending session has no strategy of its own.
	ForceProvider auth.Provider
	CookieNames   []string
	// AppURL is the absolute base used to build return addresses.
	AppURL        string
	RedirectTo    string
	LogoutTimeout time.Duration
}

// Service is the session state of one client.
type Service struct {
	provider auth.IdentityProvider
	opts     Options

	mu      sync.RWMutex
	current *auth.Identity
	// queued holds changes not yet delivered; delivering is set while one
	// goroutine drains it, so listeners see changes in the order applied.
	queued     []*auth.Identity
	delivering bool

	initMu      sync.Mutex
	initialized bool
	unsubscribe func()

	listeners       *observer.Registry[*auth.Identity]
	logoutListeners *observer.Registry[*auth.Identity]
	flight          singleflight.Group
}

// New creates a Service for provider. Call Initialize before use.
func New(provider auth.IdentityProvider, opts Options) *Service {
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = DefaultLogoutTimeout
	}
	if opts.RedirectTo == "" {
		opts.RedirectTo = DefaultRedirect
	}
	if opts.CookieNames == nil {
		opts.CookieNames = DefaultCookieNames
	}
	if opts.Strategies == nil {
		opts.Strategies = DefaultStrategies()
	}
	if opts.ForceProvider == "" {
		opts.ForceProvider = auth.ProviderGoogle
	}
	return &Service{
		provider:        provider,
		opts:            opts,
		listeners:       observer.NewRegistry[*auth.Identity]("identity"),
		logoutListeners: observer.NewRegistry[*auth.Identity]("logout-started"),
	}
}

// Initialize subscribes to the provider's auth-state events and loads the
// current identity. Only the first call does anything. A failed load is
// returned but still leaves the service initialized and signed out; use
// Refresh to retry.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}
	s.initialized = true
	s.unsubscribe = s.provider.OnAuthStateChange(s.handleEvent)
	return s.Refresh(ctx)
}

// Refresh asks the provider for the current identity and stores it.
func (s *Service) Refresh(ctx context.Context) error {
	identity, err := s.provider.CurrentUser(ctx)
	if err != nil {
		logger.Warn("Failed to load current identity", "error", err)
		return err
	}
	s.setCurrent(identity)
	return nil
}

// Close detaches the service from its provider's events.
func (s *Service) Close() {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Current returns a copy of the signed-in identity, or nil.
func (s *Service) Current() *auth.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// IsAuthenticated reports whether an identity is signed in.
func (s *Service) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// AddListener registers fn for identity changes. fn receives the new
// identity, or nil on sign-out, and must not modify it.
func (s *Service) AddListener(fn func(*auth.Identity)) (remove func()) {
	return s.listeners.Add(fn)
}

// AddLogoutListener registers fn to run as soon as a logout starts, before
// any network call. fn receives the identity being logged out.
func (s *Service) AddLogoutListener(fn func(*auth.Identity)) (remove func()) {
	return s.logoutListeners.Add(fn)
}

// setCurrent replaces the identity and notifies listeners when it changed.
// A change made while another goroutine is notifying is handed to that
// goroutine, which delivers it after the earlier ones. A listener that
// changes the identity therefore never deadlocks.
func (s *Service) setCurrent(identity *auth.Identity) bool {
	s.mu.Lock()
	if s.current.Equal(identity) {
		s.mu.Unlock()
		return false
	}
	s.current = identity.Clone()
	s.queued = append(s.queued, identity.Clone())
	if s.delivering {
		s.mu.Unlock()
		return true
	}
	s.delivering = true
	for len(s.queued) > 0 {
		next := s.queued[0]
		s.queued[0] = nil
		s.queued = s.queued[1:]
		s.mu.Unlock()
		s.listeners.Notify(next)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
	return true
}

func (s *Service) handleEvent(e auth.Event) {
	switch e.Kind {
	case auth.EventSignedIn, auth.EventTokenRefreshed:
		if e.Identity != nil {
			s.setCurrent(e.Identity)
		}
	case auth.EventSignedOut:
		s.setCurrent(nil)
	default:
		logger.Debug("Ignoring auth event", "kind", e.Kind)
	}
}

func (s *Service) navigate(ctx context.Context, target string) {
	if s.opts.Navigator == nil {
		return
	}
	if err := s.opts.Navigator.Navigate(ctx, target); err != nil {
		logger.Warn("Navigation failed", "target", target, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// errPanic wraps a recovered panic from a provider call.
var errPanic = errors.New("identity provider panicked")
