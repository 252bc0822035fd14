package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8501
  dev_mode: true
# comment lines are ignored
auth:
  provider_key: auth0
  http_timeout: 5s
`)

	t.Setenv("AUTHNYC_SERVER_PUBLIC_URL", "https://auth.example.com")
	t.Setenv("AUTHNYC_AUTH_PROVIDER_KEY", "tenant-a")
	t.Setenv("AUTHNYC_AUTH_REQUIRE_SIGNATURE", "yes")
	t.Setenv("AUTHNYC_SESSIONS_TTL", "30m")
	t.Setenv("AUTHNYC_AUTH_SETUP_TOKEN", "operator-secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://auth.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Auth.ProviderKey != "tenant-a" {
		t.Fatalf("ProviderKey override mismatch, got %q", cfg.Auth.ProviderKey)
	}
	if !cfg.Auth.RequireSignature {
		t.Fatalf("RequireSignature override not applied")
	}
	if cfg.Auth.SetupToken != "operator-secret" {
		t.Fatalf("SetupToken override mismatch, got %q", cfg.Auth.SetupToken)
	}
	if cfg.Sessions.TTL != 30*time.Minute {
		t.Fatalf("sessions ttl override mismatch, got %v", cfg.Sessions.TTL)
	}
	if cfg.Auth.HTTPTimeout != 5*time.Second {
		t.Fatalf("http_timeout from file mismatch, got %v", cfg.Auth.HTTPTimeout)
	}
}

func TestLoadConfigParsesProviderSeeds(t *testing.T) {
	path := writeConfig(t, `auth:
  provider_key: auth0
  env_file: ""
providers:
  - key: auth0
    discovery_url: https://tenant.auth0.com/.well-known/openid-configuration
    client_id: abc
    client_secret: s3cret
    redirect_uri: http://localhost:8501
api_providers:
  - key: auth0-api
    domain: tenant.auth0.com
    client_id: m2m
    client_secret: m2m-secret
    audience: https://{}/api/v2/
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ClientID != "abc" {
		t.Fatalf("providers not parsed: %+v", cfg.Providers)
	}
	if len(cfg.APIProviders) != 1 || cfg.APIProviders[0].Audience != "https://{}/api/v2/" {
		t.Fatalf("api providers not parsed: %+v", cfg.APIProviders)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8501
  unknown_field: value
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should name the unknown field, got %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "ftp://example.com"
	cfg.Server.TLS.MinVersion = "1.1"
	cfg.Sessions.Backend = "memcached"
	cfg.Stores.UserDB = ""
	cfg.Auth.ProviderKey = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	for _, field := range []string{
		"server.public_url",
		"server.tls.min_version",
		"sessions.backend",
		"stores.user_db",
		"auth.provider_key",
	} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidateProductionRequiresDomains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = nil
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server.tls.domains") {
		t.Fatalf("expected server.tls.domains error, got %v", err)
	}
}

func TestValidateRedisBackendRequiresAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.Backend = "redis"
	cfg.Sessions.Redis.Addr = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "sessions.redis.addr") {
		t.Fatalf("expected sessions.redis.addr error, got %v", err)
	}
}

func TestValidateProviderSeeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderSeed{{
		Key:          "",
		DiscoveryURL: "tenant.auth0.com",
		RedirectURI:  "javascript:alert(1)",
	}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, field := range []string{"providers[0].key", "providers[0].discovery_url", "providers[0].client_id", "providers[0].redirect_uri"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidatePostLoginRedirect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.PostLoginRedirect = "//evil.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("protocol-relative post_login_redirect should be rejected")
	}

	cfg.Auth.PostLoginRedirect = "/profile"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("path post_login_redirect should be accepted: %v", err)
	}
}

func TestValidateSignatureWithEnvFileProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.EnvFile = ".env"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("env_file alone should be accepted: %v", err)
	}

	cfg.Auth.RequireSignature = true
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("require_signature with env_file should be rejected")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "auth.require_signature") {
		t.Fatalf("error should name auth.require_signature, got: %v", err)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationAndIntFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
	if parseInt("x", 3) != 3 {
		t.Fatalf("invalid int should return fallback")
	}
	if parseInt(" 7 ", 3) != 7 {
		t.Fatalf("parsed int mismatch")
	}
}
