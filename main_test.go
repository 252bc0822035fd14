package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"authnyc/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTenant serves a discovery document whose authorization endpoint
// answers with authorizeStatus after one redirect.
func newTenant(t *testing.T, authorizeStatus int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 srv.URL + "/",
				"authorization_endpoint": srv.URL + "/authorize",
				"token_endpoint":         srv.URL + "/oauth/token",
				"revocation_endpoint":    srv.URL + "/oauth/revoke",
				"end_session_endpoint":   srv.URL + "/v2/logout",
			})
		case "/authorize":
			if r.URL.Query().Get("code_challenge_method") != "S256" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(authorizeStatus)
			_, _ = w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func configFor(srv *httptest.Server) server.Config {
	cfg := server.DefaultConfig()
	cfg.Providers = []server.ProviderSeed{{
		Key:          "auth0",
		DiscoveryURL: srv.URL + "/.well-known/openid-configuration",
		ClientID:     "abc",
		RedirectURI:  "http://localhost:8501",
	}}
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	srv := newTenant(t, http.StatusOK)
	if err := runConnect(context.Background(), configFor(srv), discardLogger(), "auth0", nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := newTenant(t, http.StatusInternalServerError)
	if err := runConnect(context.Background(), configFor(srv), discardLogger(), "auth0", nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	if err := runConnect(context.Background(), server.DefaultConfig(), discardLogger(), "missing", nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestWriteConfigFileLoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := server.DefaultConfig()
	cfg.Auth.ProviderKey = "tenant-a"

	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatalf("writeConfigFile: %v", err)
	}
	loaded, err := loadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if loaded.Auth.ProviderKey != "tenant-a" {
		t.Fatalf("provider key mismatch: %q", loaded.Auth.ProviderKey)
	}
	if loaded.Sessions.TTL != cfg.Sessions.TTL {
		t.Fatalf("ttl mismatch: %v", loaded.Sessions.TTL)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}
}

func TestRunConfigInitGuidedSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"",                 // dev mode
		"",                 // public url
		"",                 // listen addr
		"",                 // provider key
		"tenant.auth0.com", // tenant
		"",                 // discovery url
		"abc",              // client id
		"s3cret",           // client secret
		"",                 // redirect uri
		"n",                // management api
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, discardLogger()); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	cfg, err := loadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected one provider seed, got %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Key != "auth0" || p.ClientID != "abc" || p.ClientSecret != "s3cret" {
		t.Fatalf("unexpected provider seed: %+v", p)
	}
	if p.DiscoveryURL != "https://tenant.auth0.com/.well-known/openid-configuration" {
		t.Fatalf("unexpected discovery url: %s", p.DiscoveryURL)
	}
	if p.RedirectURI != "http://localhost:8501/callback" {
		t.Fatalf("unexpected redirect uri: %s", p.RedirectURI)
	}

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, discardLogger()); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestTLSMinVersion(t *testing.T) {
	if tlsMinVersion("1.3") == tlsMinVersion("1.2") {
		t.Fatalf("1.3 and 1.2 should map to different versions")
	}
	if tlsMinVersion("") != tlsMinVersion("1.2") {
		t.Fatalf("empty min version should default to 1.2")
	}
}
