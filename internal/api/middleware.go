package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gwlsn/fleetdesk/internal/auth"
)

type contextKey struct{}

// Middleware requires a signed-in tab for everything outside BypassPaths.
type Middleware struct {
	Tabs        *Tabs
	BypassPaths []string
	LoginPath   string
}

// DefaultBypassPaths returns the endpoints reachable without a session.
func DefaultBypassPaths() []string {
	return []string{"/healthz", "/login", "/auth/*"}
}

// NewMiddleware creates an auth middleware.
func NewMiddleware(tabs *Tabs, bypassPaths []string, loginPath string) *Middleware {
	if loginPath == "" {
		loginPath = "/login"
	}
	return &Middleware{Tabs: tabs, BypassPaths: bypassPaths, LoginPath: loginPath}
}

// Wrap wraps an HTTP handler with auth enforcement.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.Tabs == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldBypass(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Tabs are only created on /auth endpoints; anonymous traffic here
		// never allocates one.
		if tab, ok := m.Tabs.Lookup(r); ok {
			if user := tab.Service.Current(); user != nil {
				ctx := context.WithValue(r.Context(), contextKey{}, user)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		if isAPIRequest(r.URL.Path) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		loginURL := m.LoginPath + "?" + url.Values{"next": {r.URL.RequestURI()}}.Encode()
		http.Redirect(w, r, loginURL, http.StatusFound)
	})
}

// UserFromContext returns the signed-in identity if present.
func UserFromContext(ctx context.Context) (*auth.Identity, bool) {
	user, ok := ctx.Value(contextKey{}).(*auth.Identity)
	return user, ok
}

func (m *Middleware) shouldBypass(path string) bool {
	for _, bypass := range m.BypassPaths {
		if bypass == path {
			return true
		}
		if strings.HasSuffix(bypass, "*") {
			prefix := strings.TrimSuffix(bypass, "*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

func isAPIRequest(path string) bool {
	if path == "/api" {
		return true
	}
	return strings.HasPrefix(path, "/api/")
}

// WhoAmI handles GET /api/whoami behind the middleware.
func WhoAmI(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
