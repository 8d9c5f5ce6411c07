package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gwlsn/fleetdesk/internal/auth"
	"golang.org/x/oauth2"
)

// GoogleIssuer is the OIDC issuer for Google accounts.
const GoogleIssuer = "https://accounts.google.com"

// Config describes one OIDC connector.
type Config struct {
	Name          auth.Provider
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	GroupClaim    string
	AllowedGroups []string
}

// Connector implements auth.Connector for an OIDC identity provider.
type Connector struct {
	name          auth.Provider
	issuer        string
	verifier      *oidc.IDTokenVerifier
	oauth2Config  *oauth2.Config
	groupClaim    string
	allowedGroups map[string]struct{}
	endSession    string
}

// NewConnector discovers the issuer and builds a connector.
func NewConnector(ctx context.Context, cfg Config) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", cfg.Name, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	c := newConnector(cfg, provider.Endpoint(), verifier)

	var discovery struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&discovery); err == nil {
		c.endSession = discovery.EndSessionEndpoint
	}
	return c, nil
}

func (cfg Config) validate() error {
	if cfg.Name == "" {
		return errors.New("oidc connector requires a name")
	}
	if cfg.Issuer == "" {
		return errors.New("oidc connector requires issuer")
	}
	if cfg.ClientID == "" {
		return errors.New("oidc connector requires client_id")
	}
	if cfg.ClientSecret == "" {
		return errors.New("oidc connector requires client_secret")
	}
	if cfg.RedirectURL == "" {
		return errors.New("oidc connector requires redirect_url")
	}
	if len(cfg.AllowedGroups) > 0 && cfg.GroupClaim == "" {
		return errors.New("oidc connector requires group_claim when allowed_groups is set")
	}
	return nil
}

func newConnector(cfg Config, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) *Connector {
	allowed := make(map[string]struct{}, len(cfg.AllowedGroups))
	for _, group := range cfg.AllowedGroups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		allowed[group] = struct{}{}
	}

	return &Connector{
		name:     cfg.Name,
		issuer:   cfg.Issuer,
		verifier: verifier,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       normalizeScopes(cfg.Scopes),
			Endpoint:     endpoint,
		},
		groupClaim:    cfg.GroupClaim,
		allowedGroups: allowed,
	}
}

// Name returns the provider name the connector is registered under.
func (c *Connector) Name() auth.Provider {
	return c.name
}

// ClientID returns the OAuth client the connector authenticates as.
func (c *Connector) ClientID() string {
	return c.oauth2Config.ClientID
}

// EndSessionURL returns the issuer's RP-initiated logout endpoint, or ""
// when discovery did not advertise one.
func (c *Connector) EndSessionURL() string {
	return c.endSession
}

// AuthCodeURL builds the authorization URL with nonce and PKCE parameters.
func (c *Connector) AuthCodeURL(pending auth.PendingLogin) string {
	return c.oauth2Config.AuthCodeURL(
		pending.State,
		oidc.Nonce(pending.Nonce),
		oauth2.S256ChallengeOption(pending.Verifier),
	)
}

// Exchange validates the ID token returned for code and maps its claims
// to an identity.
func (c *Connector) Exchange(ctx context.Context, code string, pending auth.PendingLogin) (*auth.Identity, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	token, err := c.oauth2Config.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fmt.Errorf("%s token exchange: %w", c.name, err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("missing id_token")
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%s id_token verification: %w", c.name, err)
	}
	if idToken.Nonce != pending.Nonce {
		return nil, errors.New("invalid nonce")
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}
	if err := c.validateGroups(claims); err != nil {
		return nil, err
	}
	return c.identityFromClaims(claims)
}

func (c *Connector) identityFromClaims(claims map[string]interface{}) (*auth.Identity, error) {
	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	if subject == "" {
		return nil, errors.New("id_token missing sub claim")
	}

	return &auth.Identity{
		ID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.issuer+"#"+subject)).String(),
		Email:    email,
		Provider: c.name,
		Name:     name,
	}, nil
}

func (c *Connector) validateGroups(claims map[string]interface{}) error {
	if len(c.allowedGroups) == 0 {
		return nil
	}
	raw, ok := claims[c.groupClaim]
	if !ok {
		return fmt.Errorf("missing group claim: %s", c.groupClaim)
	}
	groups, err := extractGroups(raw)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if _, ok := c.allowedGroups[group]; ok {
			return nil
		}
	}
	return errors.New("user is not in an allowed group")
}

func extractGroups(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		groups := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, errors.New("group claim contains non-string value")
			}
			if str == "" {
				continue
			}
			groups = append(groups, str)
		}
		return groups, nil
	default:
		return nil, errors.New("group claim has unsupported type")
	}
}

func normalizeScopes(scopes []string) []string {
	hasOpenID := false
	normalized := make([]string, 0, len(scopes)+1)
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
		}
		normalized = append(normalized, scope)
	}
	if len(normalized) == 0 {
		return []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !hasOpenID {
		normalized = append([]string{oidc.ScopeOpenID}, normalized...)
	}
	return normalized
}
