// Package supabase adapts the hosted Supabase Auth (GoTrue) REST API to
// auth.IdentityProvider. Like the browser SDK it persists its session in
// the client's local storage and pushes auth-state events to subscribers.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/logger"
	"github.com/gwlsn/fleetdesk/internal/observer"
	"github.com/gwlsn/fleetdesk/internal/store"
)

const (
	defaultTimeout = 10 * time.Second
	// refreshMargin refreshes access tokens slightly before they expire.
	refreshMargin = 30 * time.Second
)

// Config describes a Supabase project.
type Config struct {
	// URL is the project URL, e.g. https://abcd.supabase.co.
	URL string
	// AnonKey is the public API key sent as the apikey header.
	AnonKey string
	// JWTSecret, when set, is used to verify access tokens locally.
	JWTSecret string
	// StorageKey overrides the local storage key of the session.
	StorageKey string
	HTTPClient *http.Client
}

// Client implements auth.IdentityProvider and auth.CodeExchanger.
type Client struct {
	baseURL    *url.URL
	anonKey    string
	jwtSecret  []byte
	storageKey string
	httpClient *http.Client
	storage    store.KV
	now        func() time.Time

	// mu serialises session reads and refreshes so one refresh token is
	// never spent twice.
	mu     sync.Mutex
	events *observer.Registry[auth.Event]
}

// New creates a client persisting its session into storage.
func New(cfg Config, storage store.KV) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase auth requires url")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase auth requires anon_key")
	}
	if storage == nil {
		return nil, errors.New("supabase auth requires storage")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", cfg.URL)
	}

	storageKey := cfg.StorageKey
	if storageKey == "" {
		storageKey = DefaultStorageKey(base)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}

	return &Client{
		baseURL:    base,
		anonKey:    cfg.AnonKey,
		jwtSecret:  secret,
		storageKey: storageKey,
		httpClient: httpClient,
		storage:    storage,
		now:        time.Now,
		events:     observer.NewRegistry[auth.Event]("supabase-auth"),
	}, nil
}

// DefaultStorageKey mirrors the browser SDK: sb-<project ref>-auth-token.
func DefaultStorageKey(base *url.URL) string {
	ref, _, _ := strings.Cut(base.Hostname(), ".")
	return "sb-" + ref + "-auth-token"
}

// StorageKey returns the local storage key holding the session.
func (c *Client) StorageKey() string {
	return c.storageKey
}

// SignInWithPassword uses the password grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Identity, error) {
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"password"}}, body, "", &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.rejectedCredentials() {
			return nil, &auth.CredentialsError{Message: apiErr.Message}
		}
		return nil, err
	}
	return c.establish(ctx, resp)
}

// SignInWithOAuth returns the authorize URL for provider using PKCE. The
// verifier is kept in local storage until ExchangeCode.
func (c *Client) SignInWithOAuth(ctx context.Context, provider auth.Provider, redirectTo string) (string, error) {
	if provider == "" || provider == auth.ProviderPassword {
		return "", auth.UnsupportedProvider(provider)
	}
	pending, err := auth.NewPendingLogin()
	if err != nil {
		return "", err
	}
	if err := c.storage.Set(ctx, c.verifierKey(), pending.Verifier); err != nil {
		return "", fmt.Errorf("store code verifier: %w", err)
	}

	q := url.Values{}
	q.Set("provider", string(provider))
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	q.Set("code_challenge", pending.Challenge())
	q.Set("code_challenge_method", "s256")
	return c.endpoint("/auth/v1/authorize", q), nil
}

// ExchangeCode completes a PKCE login. The project validates OAuth state
// itself, so state is not checked here.
func (c *Client) ExchangeCode(ctx context.Context, _ auth.Provider, code, _ string) (*auth.Identity, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	verifier, err := c.storage.Get(ctx, c.verifierKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	if err := c.storage.Delete(ctx, c.verifierKey()); err != nil {
		logger.Warn("Failed to delete code verifier", "error", err)
	}

	body := map[string]string{"auth_code": code, "code_verifier": verifier}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"pkce"}}, body, "", &resp); err != nil {
		return nil, err
	}
	return c.establish(ctx, resp)
}

// SignOut revokes the session remotely and forgets it locally. A session
// the server no longer knows is treated as already signed out; a network
// failure keeps the local session and returns the error.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	sess, err := c.loadSession(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sess == nil {
		c.mu.Unlock()
		return nil
	}

	err = c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, sess.AccessToken, nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.sessionGone()) {
		c.mu.Unlock()
		return err
	}
	removeErr := c.removeSession(ctx)
	c.mu.Unlock()

	c.events.Notify(auth.Event{Kind: auth.EventSignedOut})
	return removeErr
}

// CurrentUser loads the stored session, refreshes it when the access token
// is about to expire and confirms the user with the server.
func (c *Client) CurrentUser(ctx context.Context) (*auth.Identity, error) {
	c.mu.Lock()
	sess, err := c.loadSession(ctx)
	if err != nil || sess == nil {
		c.mu.Unlock()
		return nil, err
	}

	var pending []auth.Event
	if sess.expiresWithin(c.now(), refreshMargin) {
		refreshed, err := c.refresh(ctx, sess)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.retryable() {
				c.dropLocked(ctx, "refresh rejected", err)
				c.mu.Unlock()
				c.events.Notify(auth.Event{Kind: auth.EventSignedOut})
				return nil, nil
			}
			c.mu.Unlock()
			return nil, err
		}
		sess = refreshed
		pending = append(pending, auth.Event{Kind: auth.EventTokenRefreshed, Identity: c.identity(sess)})
	}

	var user apiUser
	err = c.do(ctx, http.MethodGet, "/auth/v1/user", nil, nil, sess.AccessToken, &user)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.sessionGone() {
			c.dropLocked(ctx, "user lookup rejected", err)
			c.mu.Unlock()
			c.events.Notify(auth.Event{Kind: auth.EventSignedOut})
			return nil, nil
		}
		c.mu.Unlock()
		return nil, err
	}
	sess.User = user
	c.mu.Unlock()

	for _, e := range pending {
		c.events.Notify(e)
	}
	return c.identity(sess), nil
}

// OnAuthStateChange registers fn for SIGNED_IN, SIGNED_OUT and
// TOKEN_REFRESHED events.
func (c *Client) OnAuthStateChange(fn func(auth.Event)) func() {
	return c.events.Add(fn)
}

func (c *Client) establish(ctx context.Context, resp tokenResponse) (*auth.Identity, error) {
	sess, err := c.sessionFromToken(resp)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	err = c.saveSession(ctx, sess)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	identity := c.identity(sess)
	c.events.Notify(auth.Event{Kind: auth.EventSignedIn, Identity: identity.Clone()})
	return identity, nil
}

func (c *Client) refresh(ctx context.Context, sess *session) (*session, error) {
	if sess.RefreshToken == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Code: "refresh_token_not_found", Message: auth.ErrNoSession.Error()}
	}
	body := map[string]string{"refresh_token": sess.RefreshToken}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, body, "", &resp); err != nil {
		return nil, err
	}
	refreshed, err := c.sessionFromToken(resp)
	if err != nil {
		return nil, err
	}
	if err := c.saveSession(ctx, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (c *Client) dropLocked(ctx context.Context, reason string, cause error) {
	logger.Info("Dropping stored session", "reason", reason, "error", cause)
	if err := c.removeSession(ctx); err != nil {
		logger.Warn("Failed to remove stored session", "error", err)
	}
}

func (c *Client) verifierKey() string {
	return c.storageKey + "-code-verifier"
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do performs one API call. Transport failures and 5xx answers wrap
// auth.ErrUnavailable; other non-2xx answers are *APIError.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, bearer string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", auth.ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// APIError is a non-2xx answer from the Auth API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase auth: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase auth: %d: %s", e.Status, e.Message)
}

// Unwrap lets server-side failures match auth.ErrUnavailable.
func (e *APIError) Unwrap() error {
	if e.retryable() {
		return auth.ErrUnavailable
	}
	return nil
}

func (e *APIError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func (e *APIError) rejectedCredentials() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (e *APIError) sessionGone() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// parseAPIError accepts both the current ({code, error_code, msg}) and the
// legacy OAuth-style ({error, error_description}) error bodies.
func parseAPIError(status int, data []byte) error {
	var body struct {
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(data, &body)

	apiErr := &APIError{Status: status, Code: body.ErrorCode}
	if apiErr.Code == "" {
		apiErr.Code = body.Error
	}
	for _, msg := range []string{body.Msg, body.ErrorDescription, body.Message} {
		if msg != "" {
			apiErr.Message = msg
			break
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
