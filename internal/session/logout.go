package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

// LogoutOptions tunes a single logout.
type LogoutOptions struct {
	// RedirectTo overrides the configured post-logout target.
	RedirectTo string
	// Force sends the user agent through the provider logout even when
	// the ending session did not come from an external provider.
	Force bool
	// Cookies receives the expired cookies. Nil skips cookie expiry.
	Cookies CookieSink
	// Host is the request host the cookies were issued for.
	Host string
}

// Logout ends the session everywhere it may be cached and navigates away.
// It returns the address the client was sent to.
//
// Only one logout runs at a time per Service. Calls made while one is in
// progress join it and get its result; they do not repeat any step. The
// run itself is detached from ctx so a caller that gives up does not leave
// the session half torn down; every network step is bounded by the
// configured logout timeout instead.
//
// Failures in the cleanup steps are logged and skipped. A target is always
// returned.
func (s *Service) Logout(ctx context.Context, opts LogoutOptions) (string, error) {
	ch := s.flight.DoChan("logout", func() (any, error) {
		return s.runLogout(context.WithoutCancel(ctx), opts), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			logger.Debug("Logout joined one already in progress")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) runLogout(ctx context.Context, opts LogoutOptions) string {
	ctx, span := tracer.Start(ctx, "session.Logout")
	defer span.End()

	// Read before anything clears it.
	ending := s.Current()
	provider := auth.Provider("")
	if ending != nil {
		provider = ending.Provider
	}
	span.SetAttributes(attribute.String("auth.provider", string(provider)), attribute.Bool("logout.force", opts.Force))
	logger.Info("Logout started", "provider", provider, "force", opts.Force)

	s.safely("notify logout listeners", func() error {
		s.logoutListeners.Notify(ending)
		return nil
	})

	s.safely("provider sign-out", func() error {
		stepCtx, cancel := context.WithTimeout(ctx, s.opts.LogoutTimeout)
		defer cancel()
		return s.provider.SignOut(stepCtx)
	})
	// Whatever the provider said, this client is signed out now.
	s.setCurrent(nil)

	s.safely("clear local storage", func() error {
		return s.clearStore(ctx, s.opts.Local)
	})
	s.safely("clear session storage", func() error {
		return s.clearStore(ctx, s.opts.Session)
	})
	s.safely("expire cookies", func() error {
		n := expireCookies(opts.Cookies, s.opts.CookieNames, opts.Host)
		logger.Debug("Expired cookies", "count", n)
		return nil
	})

	target := s.redirectTarget(opts.RedirectTo)
	if strategy, ok := s.strategyFor(provider, opts.Force); ok {
		var providerURL string
		err := s.safely("build provider logout URL", func() error {
			var err error
			providerURL, err = strategy.LogoutURL(s.absolute(target))
			return err
		})
		if err == nil && providerURL != "" {
			target = providerURL
		}
	}

	span.SetAttributes(attribute.String("logout.target", target))
	s.navigate(ctx, target)
	logger.Info("Logout finished", "provider", provider, "target", target)
	return target
}

// strategyFor picks the logout strategy of the ending session. Force falls
// back to the configured forced provider.
func (s *Service) strategyFor(provider auth.Provider, force bool) (LogoutStrategy, bool) {
	if provider != "" {
		if strategy, ok := s.opts.Strategies.Lookup(provider); ok {
			return strategy, true
		}
	}
	if force {
		return s.opts.Strategies.Lookup(s.opts.ForceProvider)
	}
	return nil, false
}

func (s *Service) clearStore(ctx context.Context, kv store.KV) error {
	if kv == nil {
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.opts.LogoutTimeout)
	defer cancel()
	return kv.Clear(stepCtx)
}

func (s *Service) redirectTarget(override string) string {
	if override != "" {
		return override
	}
	return s.opts.RedirectTo
}

// absolute resolves target against the app URL. External providers need
// a full address to send the user agent back to.
func (s *Service) absolute(target string) string {
	if s.opts.AppURL == "" {
		return target
	}
	base, err := url.Parse(strings.TrimRight(s.opts.AppURL, "/") + "/")
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

// safely runs one logout step, logging instead of propagating errors and
// panics.
func (s *Service) safely(step string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
		if err != nil {
			logger.Warn("Logout step failed", "step", step, "error", err)
		}
	}()
	return fn()
}
