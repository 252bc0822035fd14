package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"authnyc/idtoken"
	"authnyc/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Users      *store.Users
	AppConfigs *store.AppConfigs
	Providers  *ProviderRegistry
	Sessions   *SessionManager
	Controller *Controller
	Metrics    *Metrics
	HTTPClient *http.Client

	providerStore *store.Providers
	redis         *redis.Client
	ctx           context.Context

	mu         sync.RWMutex
	management *ManagementClient
}

// NewApp wires together the application state from configuration and
// registers the providers the configuration names.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    NewMetrics(),
		HTTPClient: NewHTTPClient(cfg.Auth.HTTPTimeout),
		ctx:        context.WithoutCancel(ctx),
	}

	var err error
	if app.Users, err = store.OpenUsers(ctx, cfg.Stores.UserDB, logger); err != nil {
		return nil, err
	}
	if app.providerStore, err = store.OpenProviders(ctx, cfg.Stores.OIDCDB, logger); err != nil {
		_ = app.Close()
		return nil, err
	}
	if app.AppConfigs, err = store.OpenAppConfigs(ctx, cfg.Stores.ConfigDB, logger); err != nil {
		_ = app.Close()
		return nil, err
	}

	sessions, err := app.openSessionStore(ctx)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Sessions = NewSessionManager(cfg, sessions, logger)
	app.Providers = NewProviderRegistry(app.providerStore, app.HTTPClient, logger)

	app.Controller = NewController(app.Providers, app.Users, NewOAuth2Exchanger(app.HTTPClient), logger, ControllerOptions{
		ProviderKey:      cfg.Auth.ProviderKey,
		RequireSignature: cfg.Auth.RequireSignature,
		Verifiers:        app.newVerifier,
		Metrics:          app.Metrics,
	})

	if err := app.bootstrap(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) openSessionStore(ctx context.Context) (SessionStore, error) {
	if a.Config.Sessions.Backend != "redis" {
		return NewMemorySessionStore(), nil
	}
	a.redis = NewRedisClient(a.Config.Sessions.Redis)
	rs := NewRedisSessionStore(a.redis, a.Config.Sessions.Redis.KeyPrefix)
	if err := rs.Ping(ctx); err != nil {
		return nil, err
	}
	a.Logger.Info("redis session store connected", "addr", a.Config.Sessions.Redis.Addr)
	return rs, nil
}

func (a *App) newVerifier(cfg store.ProviderConfig) (idtoken.Verifier, error) {
	return idtoken.NewJWKSVerifier(a.ctx, idtoken.VerifierConfig{
		Issuer:     cfg.Issuer,
		JWKSURL:    cfg.JWKSURI,
		ClientID:   cfg.ClientID,
		HTTPClient: a.HTTPClient,
	})
}

// bootstrap registers static and discovered providers, then settles which
// provider logins use.
func (a *App) bootstrap(ctx context.Context) error {
	cfg := a.Config

	if cfg.Auth.EnvFile != "" {
		settings, err := LoadSettings(cfg.Auth.EnvFile)
		if err != nil {
			return err
		}
		if _, err := a.Providers.Register(ctx, cfg.Auth.ProviderKey, settings.ProviderConfig()); err != nil {
			return fmt.Errorf("register static provider: %w", err)
		}
	}

	for _, seed := range cfg.Providers {
		if _, err := a.Providers.Resolve(ctx, seed.Key); err == nil {
			a.Logger.Debug("provider already registered, skipping discovery", "provider", seed.Key)
			continue
		}
		_, _, err := a.Providers.RegisterFromDiscovery(ctx, seed.Key, seed.DiscoveryURL, ClientCredentials{
			ClientID:     seed.ClientID,
			ClientSecret: seed.ClientSecret,
			RedirectURI:  seed.RedirectURI,
		})
		if errors.Is(err, ErrProviderUnreachable) {
			a.Logger.Warn("provider discovery failed, continuing", "provider", seed.Key, "url", seed.DiscoveryURL, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("register provider %s: %w", seed.Key, err)
		}
	}

	for _, seed := range cfg.APIProviders {
		_, err := a.Providers.RegisterAPI(ctx, seed.Key, store.APIProviderConfig{
			Domain:       seed.Domain,
			ClientID:     seed.ClientID,
			ClientSecret: seed.ClientSecret,
			Audience:     seed.Audience,
		})
		if err != nil {
			return fmt.Errorf("register api provider %s: %w", seed.Key, err)
		}
	}

	appCfg, err := a.AppConfigs.Find(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		appCfg = &store.AppConfig{
			OIDCProviderKey:    cfg.Auth.ProviderKey,
			OIDCAPIProviderKey: cfg.Auth.APIProviderKey,
		}
	case err != nil:
		return err
	}

	if !appCfg.OIDCProviderConfigured {
		if pc, err := a.Providers.Resolve(ctx, appCfg.OIDCProviderKey); err == nil {
			appCfg.OIDCProviderConfigured = true
			appCfg.RedirectURI = pc.RedirectURI
			if appCfg, err = a.AppConfigs.Save(ctx, *appCfg); err != nil {
				return err
			}
		}
	}

	a.Controller.SetProviderKey(appCfg.OIDCProviderKey)
	if appCfg.OIDCAPIProviderKey != "" {
		a.useAPIProvider(ctx, appCfg.OIDCAPIProviderKey)
	}

	a.Logger.Info("authentication configured",
		"provider", appCfg.OIDCProviderKey,
		"configured", appCfg.OIDCProviderConfigured,
		"api_provider", appCfg.OIDCAPIProviderKey,
		"require_signature", cfg.Auth.RequireSignature)
	return nil
}

func (a *App) useAPIProvider(ctx context.Context, key string) bool {
	api, err := a.Providers.ResolveAPI(ctx, key)
	if err != nil {
		a.Logger.Warn("api provider unavailable", "provider", key, "error", err)
		return false
	}
	a.mu.Lock()
	a.management = NewManagementClient(a.ctx, api, a.HTTPClient)
	a.mu.Unlock()
	return true
}

func (a *App) managementClient() *ManagementClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.management
}

// Close releases the stores and the Redis client.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Users != nil {
		result = multierror.Append(result, a.Users.Close())
	}
	if a.providerStore != nil {
		result = multierror.Append(result, a.providerStore.Close())
	}
	if a.AppConfigs != nil {
		result = multierror.Append(result, a.AppConfigs.Close())
	}
	if a.redis != nil {
		result = multierror.Append(result, a.redis.Close())
	}
	return result.ErrorOrNil()
}

type statusResponse struct {
	Phase      Phase             `json:"phase"`
	Configured bool              `json:"configured"`
	Provider   string            `json:"provider,omitempty"`
	User       *store.UserRecord `json:"user,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}
	_, resolveErr := a.Providers.Resolve(r.Context(), a.Controller.ProviderKey())
	writeJSON(w, http.StatusOK, statusResponse{
		Phase:      sess.Phase(),
		Configured: resolveErr == nil,
		Provider:   a.Controller.ProviderKey(),
		User:       sess.User,
		Error:      r.URL.Query().Get("error"),
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}

	authURL, authenticated, err := a.Controller.BeginLogin(r.Context(), sess)
	switch {
	case errors.Is(err, ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "provider_not_configured", err.Error())
		return
	case err != nil:
		a.serverError(w, "begin login", err)
		return
	case authenticated:
		http.Redirect(w, r, localRedirect(a.Config.Auth.PostLoginRedirect, "/"), http.StatusFound)
		return
	}

	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.serverError(w, "session save", err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}

	q := r.URL.Query()
	_, loginErr := a.Controller.HandleCallback(r.Context(), sess, CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})

	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.serverError(w, "session save", err)
		return
	}

	switch {
	case loginErr == nil:
		http.Redirect(w, r, localRedirect(a.Config.Auth.PostLoginRedirect, "/"), http.StatusSeeOther)
	case errors.Is(loginErr, ErrProviderUnreachable):
		a.Logger.Error("callback provider unreachable", "error", loginErr)
		writeError(w, http.StatusBadGateway, "provider_unreachable", "identity provider unreachable, retry login")
	default:
		a.Logger.Warn("callback rejected", "error", loginErr)
		http.Redirect(w, r, "/?error=login_failed", http.StatusSeeOther)
	}
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}

	target, err := a.Controller.Logout(r.Context(), sess)
	switch {
	case errors.Is(err, ErrPrecondition):
		writeError(w, http.StatusBadRequest, "not_authenticated", "no active session to log out")
		return
	case err != nil:
		a.serverError(w, "logout", err)
		return
	}

	if err := a.Sessions.Destroy(r.Context(), w, sess.ID); err != nil {
		// The controller already reset sess; storing it keeps a replayed
		// cookie from resolving to the authenticated state.
		a.Logger.Warn("session delete failed, storing anonymous session", "session", sess.ID, "error", err)
		if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
			a.serverError(w, "logout", err)
			return
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}
	if sess.Phase() != PhaseAuthenticated || sess.User == nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated", "login required")
		return
	}
	writeJSON(w, http.StatusOK, sess.User)
}

func (a *App) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.serverError(w, "session load", err)
		return
	}
	if sess.Phase() != PhaseAuthenticated || sess.User == nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated", "login required")
		return
	}

	var changes store.ProfileChanges
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object of name, nickname, given_name, family_name")
		return
	}
	if changes.Empty() {
		writeError(w, http.StatusBadRequest, "invalid_request", "no profile fields to update")
		return
	}

	if mc := a.managementClient(); mc != nil {
		if err := mc.UpdateUser(r.Context(), sess.User.Sub, changes); err != nil {
			a.Logger.Error("management api update failed", "user_id", sess.User.ID, "error", err)
			writeError(w, http.StatusBadGateway, "provider_update_failed", "identity provider rejected the update")
			return
		}
	}

	rec, err := a.Users.UpdateProfile(r.Context(), sess.User.Email, changes)
	if err != nil {
		a.serverError(w, "update profile", err)
		return
	}
	sess.User = rec
	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.serverError(w, "session save", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type setupResponse struct {
	Provider string `json:"provider"`
	Inserted bool   `json:"inserted"`
}

func (a *App) handleSetupProvider(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	ctx := r.Context()

	appCfg, err := a.AppConfigs.Find(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.serverError(w, "load app config", err)
		return
	}
	if appCfg != nil && appCfg.OIDCProviderConfigured {
		writeError(w, http.StatusConflict, "already_configured", ErrAlreadyConfigured.Error())
		return
	}

	key := r.FormValue("provider")
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}
	creds := ClientCredentials{
		ClientID:     r.FormValue("client_id"),
		ClientSecret: r.FormValue("client_secret"),
		RedirectURI:  r.FormValue("redirect_uri"),
	}

	pc, inserted, err := a.Providers.RegisterFromDiscovery(ctx, key, r.FormValue("discovery_url"), creds)
	switch {
	case errors.Is(err, ErrProviderUnreachable):
		writeError(w, http.StatusBadGateway, "provider_unreachable", err.Error())
		return
	case errors.Is(err, ErrConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		a.serverError(w, "register provider", err)
		return
	}
	if !inserted {
		// write-once: keep what is stored
		if pc, err = a.Providers.Resolve(ctx, key); err != nil {
			a.serverError(w, "resolve provider", err)
			return
		}
	}

	next := store.AppConfig{OIDCProviderConfigured: true, OIDCProviderKey: key, RedirectURI: pc.RedirectURI}
	if appCfg != nil {
		next.OIDCAPIProviderKey = appCfg.OIDCAPIProviderKey
	}
	if _, err := a.AppConfigs.Save(ctx, next); err != nil {
		a.serverError(w, "save app config", err)
		return
	}
	a.Controller.SetProviderKey(key)

	a.Logger.Info("provider configured", "provider", key, "inserted", inserted)
	writeJSON(w, http.StatusCreated, setupResponse{Provider: key, Inserted: inserted})
}

func (a *App) handleSetupAPI(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	ctx := r.Context()

	appCfg, err := a.AppConfigs.Find(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusConflict, "provider_not_configured", "configure the login provider first")
		return
	case err != nil:
		a.serverError(w, "load app config", err)
		return
	}
	if appCfg.OIDCAPIProviderKey != "" && a.managementClient() != nil {
		writeError(w, http.StatusConflict, "already_configured", ErrAlreadyConfigured.Error())
		return
	}

	key := r.FormValue("provider")
	if key == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}
	inserted, err := a.Providers.RegisterAPI(ctx, key, store.APIProviderConfig{
		Domain:       r.FormValue("api_domain"),
		ClientID:     r.FormValue("api_client_id"),
		ClientSecret: r.FormValue("api_client_secret"),
		Audience:     r.FormValue("api_audience"),
	})
	switch {
	case errors.Is(err, ErrConfiguration):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		a.serverError(w, "register api provider", err)
		return
	}

	appCfg.OIDCAPIProviderKey = key
	if _, err := a.AppConfigs.Save(ctx, *appCfg); err != nil {
		a.serverError(w, "save app config", err)
		return
	}
	if !a.useAPIProvider(ctx, key) {
		a.serverError(w, "load api provider", store.ErrNotFound)
		return
	}

	a.Logger.Info("api provider configured", "provider", key, "inserted", inserted)
	writeJSON(w, http.StatusCreated, setupResponse{Provider: key, Inserted: inserted})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) serverError(w http.ResponseWriter, op string, err error) {
	a.Logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "server_error", op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
