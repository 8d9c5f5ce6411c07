package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gwlsn/fleetdesk/internal/auth"
	"github.com/gwlsn/fleetdesk/internal/store"
)

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    int64   `json:"expires_in"`
	ExpiresAt    int64   `json:"expires_at"`
	RefreshToken string  `json:"refresh_token"`
	User         apiUser `json:"user"`
}

type apiUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  appMetadata    `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

type appMetadata struct {
	Provider  string   `json:"provider,omitempty"`
	Providers []string `json:"providers,omitempty"`
}

// session is the persisted form, shaped like the browser SDK's value.
type session struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    int64   `json:"expires_at"`
	TokenType    string  `json:"token_type"`
	User         apiUser `json:"user"`
}

func (s *session) expiresWithin(now time.Time, margin time.Duration) bool {
	return s.ExpiresAt == 0 || time.Unix(s.ExpiresAt, 0).Before(now.Add(margin))
}

// accessClaims is the subset of the access token the dashboard reads.
type accessClaims struct {
	jwt.RegisteredClaims
	Email       string      `json:"email"`
	AppMetadata appMetadata `json:"app_metadata"`
}

func (c *Client) parseAccessToken(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	if c.jwtSecret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("parse access token: %w", err)
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return claims, nil
}

func (c *Client) sessionFromToken(resp tokenResponse) (*session, error) {
	if resp.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}
	claims, err := c.parseAccessToken(resp.AccessToken)
	if err != nil {
		return nil, err
	}

	sess := &session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
		TokenType:    resp.TokenType,
		User:         resp.User,
	}
	if sess.ExpiresAt == 0 && claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if sess.ExpiresAt == 0 && resp.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix()
	}
	if sess.User.ID == "" {
		sess.User.ID = claims.Subject
	}
	if sess.User.Email == "" {
		sess.User.Email = claims.Email
	}
	if sess.User.AppMetadata.Provider == "" {
		sess.User.AppMetadata.Provider = claims.AppMetadata.Provider
	}
	if sess.User.ID == "" {
		return nil, errors.New("token response without user id")
	}
	return sess, nil
}

func (c *Client) identity(sess *session) *auth.Identity {
	identity := &auth.Identity{
		ID:       sess.User.ID,
		Email:    sess.User.Email,
		Provider: mapProvider(sess.User.AppMetadata.Provider),
	}
	for _, key := range []string{"full_name", "name"} {
		if name, ok := sess.User.UserMetadata[key].(string); ok && name != "" {
			identity.Name = name
			break
		}
	}
	return identity
}

// mapProvider folds Supabase's first-party methods into ProviderPassword.
func mapProvider(p string) auth.Provider {
	switch p {
	case "", "email", "phone":
		return auth.ProviderPassword
	default:
		return auth.Provider(p)
	}
}

func (c *Client) loadSession(ctx context.Context) (*session, error) {
	raw, err := c.storage.Get(ctx, c.storageKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.AccessToken == "" {
		// A corrupt entry is as good as no session.
		_ = c.storage.Delete(ctx, c.storageKey)
		return nil, nil
	}
	return &sess, nil
}

func (c *Client) saveSession(ctx context.Context, sess *session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := c.storage.Set(ctx, c.storageKey, string(data)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (c *Client) removeSession(ctx context.Context) error {
	if err := c.storage.Delete(ctx, c.storageKey); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}
