// Package config loads the dashboard configuration from a YAML file with
// FLEETDESK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Auth backends.
const (
	BackendSupabase = "supabase"
	BackendLocal    = "local"
	BackendNone     = "none"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config is the full dashboard configuration.
type Config struct {
	Listen    string `yaml:"listen" env:"FLEETDESK_LISTEN"`
	PublicURL string `yaml:"public_url" env:"FLEETDESK_PUBLIC_URL"`
	LogLevel  string `yaml:"log_level" env:"FLEETDESK_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"FLEETDESK_LOG_FORMAT"`

	Auth    AuthConfig    `yaml:"auth" envPrefix:"FLEETDESK_AUTH_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"FLEETDESK_STORAGE_"`
	Tabs    TabsConfig    `yaml:"tabs" envPrefix:"FLEETDESK_TABS_"`
}

// AuthConfig selects the identity backend and tunes the session flows.
type AuthConfig struct {
	Backend             string        `yaml:"backend" env:"BACKEND"`
	RedirectAfterLogin  string        `yaml:"redirect_after_login" env:"REDIRECT_AFTER_LOGIN"`
	RedirectAfterLogout string        `yaml:"redirect_after_logout" env:"REDIRECT_AFTER_LOGOUT"`
	LogoutTimeout       time.Duration `yaml:"logout_timeout" env:"LOGOUT_TIMEOUT"`
	CookieNames         []string      `yaml:"cookie_names" env:"COOKIE_NAMES" envSeparator:","`
	// ForceProviderLogout sends every logout through the external
	// provider's logout page.
	ForceProviderLogout bool `yaml:"force_provider_logout" env:"FORCE_PROVIDER_LOGOUT"`

	Supabase SupabaseConfig        `yaml:"supabase" envPrefix:"SUPABASE_"`
	Local    LocalConfig           `yaml:"local" envPrefix:"LOCAL_"`
	OIDC     map[string]OIDCConfig `yaml:"oidc"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url" env:"URL"`
	AnonKey    string `yaml:"anon_key" env:"ANON_KEY"`
	JWTSecret  string `yaml:"jwt_secret" env:"JWT_SECRET"`
	StorageKey string `yaml:"storage_key" env:"STORAGE_KEY"`
}

// LocalConfig holds the self-hosted password accounts. Users maps e-mail
// to a bcrypt or argon2 hash. Hashes contain commas, so users are only
// read from the file.
type LocalConfig struct {
	Users    map[string]string `yaml:"users"`
	HashAlgo string            `yaml:"hash_algo" env:"HASH_ALGO"`
}

type OIDCConfig struct {
	Issuer        string   `yaml:"issuer"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	GroupClaim    string   `yaml:"group_claim"`
	AllowedGroups []string `yaml:"allowed_groups"`
}

type StorageConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type TabsConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Auth: AuthConfig{
			Backend:             BackendNone,
			RedirectAfterLogin:  "/",
			RedirectAfterLogout: "/login",
			LogoutTimeout:       5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "fleetdesk:"},
		},
		Tabs: TabsConfig{IdleTimeout: 30 * time.Minute},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load is Load with an explicit environment; nil means the process
// environment.
func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills values computed from other settings.
func (c *Config) applyDerived() {
	c.Auth.Backend = strings.ToLower(strings.TrimSpace(c.Auth.Backend))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	for name, o := range c.Auth.OIDC {
		if o.RedirectURL == "" && c.PublicURL != "" {
			o.RedirectURL = strings.TrimRight(c.PublicURL, "/") + "/auth/callback/" + name
			c.Auth.OIDC[name] = o
		}
	}
}

// Validate reports the first problem found in the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public_url must be an absolute URL: %q", c.PublicURL)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json: %q", c.LogFormat)
	}

	if err := c.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage: redis.addr is required")
		}
		if c.Storage.Redis.Prefix == "" {
			return errors.New("storage: redis.prefix is required")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	if c.Tabs.IdleTimeout <= 0 {
		return errors.New("tabs: idle_timeout must be positive")
	}
	return nil
}

func (a *AuthConfig) validate() error {
	if a.LogoutTimeout <= 0 {
		return errors.New("logout_timeout must be positive")
	}

	switch a.Backend {
	case BackendNone:
		return nil
	case BackendSupabase:
		if a.Supabase.URL == "" {
			return errors.New("supabase.url is required")
		}
		if a.Supabase.AnonKey == "" {
			return errors.New("supabase.anon_key is required")
		}
		return nil
	case BackendLocal:
		if len(a.Local.Users) == 0 && len(a.OIDC) == 0 {
			return errors.New("local backend needs at least one user or oidc connector")
		}
		for _, name := range a.OIDCNames() {
			o := a.OIDC[name]
			if o.Issuer == "" || o.ClientID == "" || o.ClientSecret == "" {
				return fmt.Errorf("oidc.%s: issuer, client_id and client_secret are required", name)
			}
			if o.RedirectURL == "" {
				return fmt.Errorf("oidc.%s: redirect_url is required when public_url is not set", name)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", a.Backend)
	}
}

// OIDCNames returns the configured connector names in sorted order.
func (a *AuthConfig) OIDCNames() []string {
	names := make([]string, 0, len(a.OIDC))
	for name := range a.OIDC {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
