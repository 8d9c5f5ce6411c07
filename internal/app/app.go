// Package app assembles the dashboard server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gwlsn/fleetdesk/internal/api"
	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/auth/local"
	"github.com/gwlsn/fleetdesk/internal/auth/oidc"
	"github.com/gwlsn/fleetdesk/internal/auth/supabase"
	"github.com/gwlsn/fleetdesk/internal/config"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/session"
	"github.com/gwlsn/fleetdesk/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 5 * time.Second
)

// App is a configured, not yet running, dashboard server.
type App struct {
	cfg     *config.Config
	tabs    *api.Tabs
	handler http.Handler
	closers []func() error
}

// New builds the storage backend, identity provider and HTTP routes.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	kv, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	connectors, strategies, err := buildConnectors(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	newProvider, err := providerFactory(cfg, connectors)
	if err != nil {
		a.Close()
		return nil, err
	}

	factory := func(key string, nav session.Navigator) (*session.Service, error) {
		localKV := store.Namespace(kv, "tab:"+key+":local:")
		provider, err := newProvider(localKV)
		if err != nil {
			return nil, err
		}
		return session.New(provider, session.Options{
			Local:         localKV,
			Session:       store.Namespace(kv, "tab:"+key+":session:"),
			Navigator:     nav,
			Strategies:    strategies,
			CookieNames:   cfg.Auth.CookieNames,
			AppURL:        cfg.PublicURL,
			RedirectTo:    cfg.Auth.RedirectAfterLogout,
			LogoutTimeout: cfg.Auth.LogoutTimeout,
		}), nil
	}

	index := store.Namespace(kv, "tab:index:")
	a.tabs = api.NewTabs(factory, index, cfg.Tabs.IdleTimeout, strings.HasPrefix(cfg.PublicURL, "https://"))
	a.closers = append(a.closers, func() error {
		a.tabs.Close()
		return nil
	})

	mux := http.NewServeMux()
	api.NewHandler(a.tabs, api.Options{
		PublicURL:           cfg.PublicURL,
		RedirectAfterLogin:  cfg.Auth.RedirectAfterLogin,
		ForceProviderLogout: cfg.Auth.ForceProviderLogout,
	}).Register(mux)
	mux.HandleFunc("GET /api/whoami", api.WhoAmI)
	a.handler = api.NewMiddleware(a.tabs, api.DefaultBypassPaths(), "/login").Wrap(mux)

	logger.Info("Dashboard configured",
		"auth_backend", cfg.Auth.Backend,
		"storage_backend", cfg.Storage.Backend,
		"oauth_providers", connectors.Names(),
	)
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.tabs.Run(sweepCtx)

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases every tab and the storage backend.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStorage(ctx context.Context) (store.KV, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageRedis:
		rc := a.cfg.Storage.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		kv := store.NewRedis(client, rc.Prefix)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := kv.Ping(pingCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		return kv, nil
	default:
		return store.NewMemory(), nil
	}
}

// buildConnectors discovers every configured OIDC issuer and derives the
// logout strategy of each connector.
func buildConnectors(ctx context.Context, cfg *config.Config) (*auth.Registry, session.Strategies, error) {
	registry := auth.NewRegistry()
	strategies := session.DefaultStrategies()
	if cfg.Auth.Backend != config.BackendLocal {
		return registry, strategies, nil
	}

	for _, name := range cfg.Auth.OIDCNames() {
		o := cfg.Auth.OIDC[name]
		connector, err := oidc.NewConnector(ctx, oidc.Config{
			Name:          auth.Provider(name),
			Issuer:        o.Issuer,
			ClientID:      o.ClientID,
			ClientSecret:  o.ClientSecret,
			RedirectURL:   o.RedirectURL,
			Scopes:        o.Scopes,
			GroupClaim:    o.GroupClaim,
			AllowedGroups: o.AllowedGroups,
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(connector.Name(), connector)

		switch {
		case strings.TrimRight(o.Issuer, "/") == oidc.GoogleIssuer:
			strategies[connector.Name()] = session.GoogleLogout{}
		case connector.EndSessionURL() != "":
			strategies[connector.Name()] = session.EndSessionLogout{
				EndSessionURL: connector.EndSessionURL(),
				ClientID:      connector.ClientID(),
			}
		}
	}
	return registry, strategies, nil
}

// providerFactory returns a constructor for the identity provider of one
// tab, bound to the tab's local storage.
func providerFactory(cfg *config.Config, connectors *auth.Registry) (func(store.KV) (auth.IdentityProvider, error), error) {
	switch cfg.Auth.Backend {
	case config.BackendSupabase:
		sc := supabase.Config{
			URL:        cfg.Auth.Supabase.URL,
			AnonKey:    cfg.Auth.Supabase.AnonKey,
			JWTSecret:  cfg.Auth.Supabase.JWTSecret,
			StorageKey: cfg.Auth.Supabase.StorageKey,
		}
		return func(kv store.KV) (auth.IdentityProvider, error) {
			return supabase.New(sc, kv)
		}, nil
	case config.BackendLocal:
		opts := local.Options{
			Users:      local.Users(cfg.Auth.Local.Users),
			HashAlgo:   cfg.Auth.Local.HashAlgo,
			Connectors: connectors,
		}
		return func(kv store.KV) (auth.IdentityProvider, error) {
			return local.NewGateway(kv, opts)
		}, nil
	case config.BackendNone:
		logger.Warn("Authentication is disabled; every client is signed in as the operator")
		return func(store.KV) (auth.IdentityProvider, error) {
			return auth.NewNoopProvider(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth backend %q", cfg.Auth.Backend)
	}
}
