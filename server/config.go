package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Session and outbound HTTP defaults
const (
	DefaultSessionTTL  = 12 * time.Hour
	DefaultHTTPTimeout = 10 * time.Second
	DefaultProviderKey = "auth0"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Sessions     SessionsConfig    `yaml:"sessions"`
	Stores       StoresConfig      `yaml:"stores"`
	Auth         AuthConfig        `yaml:"auth"`
	Providers    []ProviderSeed    `yaml:"providers"`
	APIProviders []APIProviderSeed `yaml:"api_providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// SessionsConfig selects the session backend and lifetime.
type SessionsConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Backend string        `yaml:"backend"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when sessions.backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StoresConfig locates the sqlite files backing the persisted stores.
type StoresConfig struct {
	UserDB   string `yaml:"user_db"`
	OIDCDB   string `yaml:"oidc_db"`
	ConfigDB string `yaml:"config_db"`
}

// AuthConfig tunes the login flow.
type AuthConfig struct {
	ProviderKey       string        `yaml:"provider_key"`
	APIProviderKey    string        `yaml:"api_provider_key"`
	RequireSignature  bool          `yaml:"require_signature"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	EnvFile           string        `yaml:"env_file"`
	PostLoginRedirect string        `yaml:"post_login_redirect"`
	// SetupToken, when set, must accompany every /setup request as a bearer token.
	SetupToken string `yaml:"setup_token"`
}

// ProviderSeed registers a provider through discovery at startup.
type ProviderSeed struct {
	Key          string `yaml:"key"`
	DiscoveryURL string `yaml:"discovery_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
}

// APIProviderSeed registers Management API credentials at startup.
type APIProviderSeed struct {
	Key          string `yaml:"key"`
	Domain       string `yaml:"domain"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Audience     string `yaml:"audience"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("%w: %w (check for typos or deprecated fields)", ErrConfiguration, err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8501",
			DevListenAddr:   "127.0.0.1:8501",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Sessions: SessionsConfig{
			TTL:     DefaultSessionTTL,
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "authnyc:session:",
			},
		},
		Stores: StoresConfig{
			UserDB:   "data/user_store.db",
			OIDCDB:   "data/oidc_store.db",
			ConfigDB: "data/config_store.db",
		},
		Auth: AuthConfig{
			ProviderKey:       DefaultProviderKey,
			HTTPTimeout:       DefaultHTTPTimeout,
			PostLoginRedirect: "/",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHNYC_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHNYC_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHNYC_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHNYC_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHNYC_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHNYC_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHNYC_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHNYC_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHNYC_SESSIONS_TTL":             func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"AUTHNYC_SESSIONS_BACKEND":         func(v string) { cfg.Sessions.Backend = v },
		"AUTHNYC_REDIS_ADDR":               func(v string) { cfg.Sessions.Redis.Addr = v },
		"AUTHNYC_REDIS_PASSWORD":           func(v string) { cfg.Sessions.Redis.Password = v },
		"AUTHNYC_REDIS_DB":                 func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
		"AUTHNYC_STORES_USER_DB":           func(v string) { cfg.Stores.UserDB = v },
		"AUTHNYC_STORES_OIDC_DB":           func(v string) { cfg.Stores.OIDCDB = v },
		"AUTHNYC_STORES_CONFIG_DB":         func(v string) { cfg.Stores.ConfigDB = v },
		"AUTHNYC_AUTH_PROVIDER_KEY":        func(v string) { cfg.Auth.ProviderKey = v },
		"AUTHNYC_AUTH_API_PROVIDER_KEY":    func(v string) { cfg.Auth.APIProviderKey = v },
		"AUTHNYC_AUTH_REQUIRE_SIGNATURE":   func(v string) { cfg.Auth.RequireSignature = parseBool(v, cfg.Auth.RequireSignature) },
		"AUTHNYC_AUTH_HTTP_TIMEOUT":        func(v string) { cfg.Auth.HTTPTimeout = parseDuration(v, cfg.Auth.HTTPTimeout) },
		"AUTHNYC_AUTH_ENV_FILE":            func(v string) { cfg.Auth.EnvFile = v },
		"AUTHNYC_AUTH_SETUP_TOKEN":         func(v string) { cfg.Auth.SetupToken = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the config and reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	fail := func(field, msg string, attrs ...any) {
		slog.Error("Invalid configuration value", append([]any{"field", field, "reason", msg}, attrs...)...)
		result = multierror.Append(result, fmt.Errorf("%s %s", field, msg))
	}

	if c.Server.PublicURL == "" {
		fail("server.public_url", "is required")
	} else if !isHTTPURL(c.Server.PublicURL) {
		fail("server.public_url", "must start with http:// or https://", "value", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		fail("server.tls.domains", "must be provided in production")
	}

	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		fail("server.tls.min_version", "must be '1.2' or '1.3'", "value", v)
	}

	if c.Sessions.TTL <= 0 {
		fail("sessions.ttl", "must be positive")
	}
	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			fail("sessions.redis.addr", "is required for the redis backend")
		}
	default:
		fail("sessions.backend", "must be 'memory' or 'redis'", "value", c.Sessions.Backend)
	}

	if c.Stores.UserDB == "" {
		fail("stores.user_db", "is required")
	}
	if c.Stores.OIDCDB == "" {
		fail("stores.oidc_db", "is required")
	}
	if c.Stores.ConfigDB == "" {
		fail("stores.config_db", "is required")
	}

	if c.Auth.ProviderKey == "" {
		fail("auth.provider_key", "is required")
	}
	if c.Auth.HTTPTimeout <= 0 {
		fail("auth.http_timeout", "must be positive")
	}
	if r := c.Auth.PostLoginRedirect; r != "" && !isLocalPath(r) && !isSafeRedirectURI(r) {
		fail("auth.post_login_redirect", "must be a path or a safe http(s) URL", "value", c.Auth.PostLoginRedirect)
	}
	if c.Auth.RequireSignature && c.Auth.EnvFile != "" {
		// env-file providers carry no jwks_uri to verify against
		fail("auth.require_signature", "cannot be combined with auth.env_file", "env_file", c.Auth.EnvFile)
	}

	for i, p := range c.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Key == "" {
			fail(prefix+".key", "is required")
		}
		if !isHTTPURL(p.DiscoveryURL) {
			fail(prefix+".discovery_url", "must be an http(s) URL", "value", p.DiscoveryURL)
		}
		if p.ClientID == "" {
			fail(prefix+".client_id", "is required")
		}
		if !isSafeRedirectURI(p.RedirectURI) {
			fail(prefix+".redirect_uri", "must be a safe http(s) URL", "value", p.RedirectURI)
		}
	}

	for i, p := range c.APIProviders {
		prefix := fmt.Sprintf("api_providers[%d]", i)
		if p.Key == "" {
			fail(prefix+".key", "is required")
		}
		if p.Domain == "" || p.ClientID == "" || p.ClientSecret == "" || p.Audience == "" {
			fail(prefix, "requires domain, client_id, client_secret and audience")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func isLocalPath(v string) bool {
	return strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//") && !strings.HasPrefix(v, "/\\")
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
