package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-cleanhttp"

	"authnyc/store"
)

// maxDiscoveryBytes caps the discovery document body.
const maxDiscoveryBytes = 1 << 20

// NewHTTPClient returns the pooled client used for discovery, token exchange
// and management API calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Transport: cleanhttp.DefaultPooledTransport(),
		Timeout:   timeout,
	}
}

// ClientCredentials are the operator-supplied values merged with a discovery document.
type ClientCredentials struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri" validate:"required,url"`
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// ProviderRegistry resolves provider keys to endpoint configuration backed by
// the oidc_db store.
type ProviderRegistry struct {
	providers *store.Providers
	client    *http.Client
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewProviderRegistry wires the registry. A nil client falls back to NewHTTPClient.
func NewProviderRegistry(providers *store.Providers, client *http.Client, logger *slog.Logger) *ProviderRegistry {
	if client == nil {
		client = NewHTTPClient(DefaultHTTPTimeout)
	}
	return &ProviderRegistry{
		providers: providers,
		client:    client,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
	}
}

// Resolve returns the provider stored under key or store.ErrNotFound.
func (r *ProviderRegistry) Resolve(ctx context.Context, key string) (store.ProviderConfig, error) {
	return r.providers.LoadOIDC(ctx, key)
}

// Register stores cfg under key unless key is already registered, in which
// case cfg is dropped. It reports whether cfg was stored.
func (r *ProviderRegistry) Register(ctx context.Context, key string, cfg store.ProviderConfig) (bool, error) {
	if err := r.validate.Struct(cfg); err != nil {
		return false, fmt.Errorf("%w: provider %s: %w", ErrConfiguration, key, err)
	}
	return r.providers.Insert(ctx, key, store.KindOIDC, cfg)
}

// ResolveAPI returns the Management API provider stored under key.
func (r *ProviderRegistry) ResolveAPI(ctx context.Context, key string) (store.APIProviderConfig, error) {
	return r.providers.LoadAPI(ctx, key)
}

// RegisterAPI stores Management API credentials, write-once like Register.
func (r *ProviderRegistry) RegisterAPI(ctx context.Context, key string, cfg store.APIProviderConfig) (bool, error) {
	if err := r.validate.Struct(cfg); err != nil {
		return false, fmt.Errorf("%w: api provider %s: %w", ErrConfiguration, key, err)
	}
	return r.providers.Insert(ctx, key, store.KindAPI, cfg)
}

// Discover fetches the metadata document at discoveryURL and merges it with creds.
func (r *ProviderRegistry) Discover(ctx context.Context, discoveryURL string, creds ClientCredentials) (store.ProviderConfig, error) {
	if err := r.validate.Struct(creds); err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: client credentials: %w", ErrConfiguration, err)
	}
	if err := r.validate.Var(discoveryURL, "required,url"); err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: discovery url %q", ErrConfiguration, discoveryURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: build discovery request: %w", ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: fetch %s: %w", ErrProviderUnreachable, discoveryURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return store.ProviderConfig{}, fmt.Errorf("%w: %s returned %s", ErrProviderUnreachable, discoveryURL, resp.Status)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: decode discovery document: %w", ErrProviderUnreachable, err)
	}

	cfg := store.ProviderConfig{
		Issuer:                doc.Issuer,
		JWKSURI:               doc.JWKSURI,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		RevocationEndpoint:    doc.RevocationEndpoint,
		EndSessionEndpoint:    doc.EndSessionEndpoint,
		ClientID:              creds.ClientID,
		ClientSecret:          creds.ClientSecret,
		RedirectURI:           creds.RedirectURI,
	}
	if err := r.validate.Struct(cfg); err != nil {
		return store.ProviderConfig{}, fmt.Errorf("%w: discovery document from %s: %w", ErrConfiguration, discoveryURL, err)
	}

	r.logger.Debug("provider discovered", "url", discoveryURL, "issuer", doc.Issuer)
	return cfg, nil
}

// RegisterFromDiscovery runs Discover then Register under key.
func (r *ProviderRegistry) RegisterFromDiscovery(ctx context.Context, key, discoveryURL string, creds ClientCredentials) (store.ProviderConfig, bool, error) {
	cfg, err := r.Discover(ctx, discoveryURL, creds)
	if err != nil {
		return store.ProviderConfig{}, false, err
	}
	inserted, err := r.Register(ctx, key, cfg)
	if err != nil {
		return store.ProviderConfig{}, false, err
	}
	return cfg, inserted, nil
}
