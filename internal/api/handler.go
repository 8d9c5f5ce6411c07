// Package api serves the dashboard's authentication endpoints. Every
// request is bound to a tab (one session.Service per client cookie).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/session"
)

// Options configures a Handler.
type Options struct {
	// PublicURL is the absolute base of the dashboard, used for OAuth
	// return addresses.
	PublicURL string
	// RedirectAfterLogin is where a completed OAuth login lands.
	RedirectAfterLogin string
	// LoginPath is where failed callbacks are sent.
	LoginPath string
	// ForceProviderLogout makes every logout leave through the provider.
	ForceProviderLogout bool
}

// Handler serves the /auth endpoints.
type Handler struct {
	tabs *Tabs
	opts Options
}

// NewHandler creates a Handler backed by tabs.
func NewHandler(tabs *Tabs, opts Options) *Handler {
	if opts.RedirectAfterLogin == "" {
		opts.RedirectAfterLogin = "/"
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	return &Handler{tabs: tabs, opts: opts}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("GET /auth/login/{provider}", h.OAuthLogin)
	mux.HandleFunc("GET /auth/callback/{provider}", h.Callback)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("GET /auth/logout", h.Logout)
	mux.HandleFunc("GET /auth/me", h.Me)
	mux.HandleFunc("GET /auth/events", h.IdentityStream)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /auth/login with a JSON or form body. The outcome is
// always a session.Result.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, session.Result{Error: "invalid request body"})
			return
		}
	} else {
		req.Email = r.PostFormValue("email")
		req.Password = r.PostFormValue("password")
	}

	tab, err := h.tabs.Resolve(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, session.Result{Error: session.MessageUnexpected})
		return
	}

	identity, err := tab.Service.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err == nil {
		h.rotate(w, r, tab)
	}
	writeJSON(w, loginStatus(err), session.ResultOf(identity, err))
}

func loginStatus(err error) int {
	var loginErr *session.LoginError
	if err == nil {
		return http.StatusOK
	}
	if !errors.As(err, &loginErr) {
		return http.StatusInternalServerError
	}
	switch loginErr.Reason {
	case session.ReasonMissingCredentials:
		return http.StatusBadRequest
	case session.ReasonInvalidCredentials:
		return http.StatusUnauthorized
	case session.ReasonNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OAuthLogin handles GET /auth/login/{provider} by redirecting the browser
// to the provider.
func (h *Handler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := auth.Provider(r.PathValue("provider"))

	tab, err := h.tabs.Resolve(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	target, err := tab.Service.LoginWithOAuth(r.Context(), provider, h.callbackURL(provider))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, auth.ErrUnsupportedProvider) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback handles GET /auth/callback/{provider}.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := auth.Provider(r.PathValue("provider"))
	q := r.URL.Query()

	if msg := q.Get("error"); msg != "" {
		logger.Info("OAuth provider returned an error", "provider", provider, "error", msg, "description", q.Get("error_description"))
		http.Redirect(w, r, h.loginWithError(msg), http.StatusFound)
		return
	}

	tab, ok := h.tabs.Lookup(r)
	if !ok {
		// The callback must come back to the tab that started the login.
		http.Error(w, auth.ErrInvalidState.Error(), http.StatusBadRequest)
		return
	}

	if _, err := tab.Service.CompleteOAuth(r.Context(), provider, q.Get("code"), q.Get("state")); err != nil {
		logger.Warn("OAuth callback failed", "provider", provider, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.rotate(w, r, tab)
	http.Redirect(w, r, h.opts.RedirectAfterLogin, http.StatusFound)
}

// rotate gives a freshly signed-in tab a new ID.
func (h *Handler) rotate(w http.ResponseWriter, r *http.Request, tab *Tab) {
	if err := h.tabs.rotate(r.Context(), w, tab); err != nil {
		logger.Warn("Failed to rotate tab after login", "error", err)
	}
}

// Logout handles POST and GET /auth/logout. POST answers with the target
// as JSON, GET redirects to it. A GET from another site is refused.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && !sameOriginNavigation(r) {
		http.Error(w, "cross-site logout refused", http.StatusForbidden)
		return
	}

	tab, err := h.tabs.Resolve(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The logout may outlive this request, so cookies are collected and
	// written here rather than handed the ResponseWriter.
	var (
		mu      sync.Mutex
		expired []*http.Cookie
	)
	sink := session.CookieSinkFunc(func(c *http.Cookie) {
		mu.Lock()
		expired = append(expired, c)
		mu.Unlock()
	})

	target, err := tab.Service.Logout(r.Context(), session.LogoutOptions{
		RedirectTo: h.logoutTarget(r.URL.Query().Get("redirect_to")),
		Force:      h.opts.ForceProviderLogout || r.URL.Query().Get("force") == "1",
		Cookies:    sink,
		Host:       r.Host,
	})
	if err != nil {
		// The request went away; the logout finishes on its own.
		return
	}
	h.tabs.forget(r.Context(), tab)

	mu.Lock()
	for _, c := range expired {
		http.SetCookie(w, c)
	}
	mu.Unlock()

	if r.Method == http.MethodGet {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": target})
}

type meResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          *auth.Identity `json:"user,omitempty"`
}

// Me handles GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	tab, err := h.tabs.Resolve(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	user := tab.Service.Current()
	writeJSON(w, http.StatusOK, meResponse{Authenticated: user != nil, User: user})
}

func (h *Handler) callbackURL(provider auth.Provider) string {
	path := "/auth/callback/" + url.PathEscape(string(provider))
	if h.opts.PublicURL == "" {
		return path
	}
	return strings.TrimRight(h.opts.PublicURL, "/") + path
}

// logoutTarget returns raw when it stays on the dashboard: a path on this
// origin, or an absolute URL on PublicURL's origin. Anything else yields
// "", the configured target.
func (h *Handler) logoutTarget(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.ContainsAny(raw, "\\\r\n\t") {
		logger.Warn("Ignoring logout target", "target", raw)
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		logger.Warn("Ignoring logout target", "target", raw)
		return ""
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && u.Scheme == "" && u.Host == "" {
		return raw
	}
	if h.opts.PublicURL != "" {
		base, err := url.Parse(h.opts.PublicURL)
		if err == nil && u.User == nil &&
			strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host) {
			return raw
		}
	}
	logger.Warn("Ignoring logout target", "target", raw)
	return ""
}

// sameOriginNavigation reports whether r was started by the dashboard
// itself or typed by the user. Clients that send no Sec-Fetch-Site pass.
func sameOriginNavigation(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "", "same-origin", "none":
		return true
	default:
		return false
	}
}

func (h *Handler) loginWithError(msg string) string {
	return h.opts.LoginPath + "?" + url.Values{"error": {msg}}.Encode()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}
