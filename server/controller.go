package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"authnyc/idtoken"
	"authnyc/store"
)

// UserStore is the subset of store.Users the controller writes through.
type UserStore interface {
	Upsert(ctx context.Context, claims idtoken.Claims) (*store.UserRecord, store.UpsertResult, error)
}

// ProviderResolver resolves a provider key to its endpoint configuration.
type ProviderResolver interface {
	Resolve(ctx context.Context, key string) (store.ProviderConfig, error)
}

// VerifierFactory builds a signature verifier for a resolved provider.
type VerifierFactory func(cfg store.ProviderConfig) (idtoken.Verifier, error)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	ProviderKey      string
	RequireSignature bool
	Verifiers        VerifierFactory
	Metrics          *Metrics
	Now              func() time.Time
}

// Controller drives one session through
// ANONYMOUS -> AWAITING_CALLBACK -> AUTHENTICATED -> LOGGED_OUT.
// It mutates the SessionState it is handed; persisting it is the caller's job.
type Controller struct {
	providers ProviderResolver
	users     UserStore
	exchanger Exchanger
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	requireSignature bool
	newVerifier      VerifierFactory

	mu          sync.RWMutex
	providerKey string
	verifiers   map[string]idtoken.Verifier
}

// NewController wires the login state machine.
func NewController(providers ProviderResolver, users UserStore, exchanger Exchanger, logger *slog.Logger, opts ControllerOptions) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		providers:        providers,
		users:            users,
		exchanger:        exchanger,
		logger:           logger,
		metrics:          opts.Metrics,
		now:              now,
		requireSignature: opts.RequireSignature,
		newVerifier:      opts.Verifiers,
		providerKey:      opts.ProviderKey,
		verifiers:        make(map[string]idtoken.Verifier),
	}
}

// ProviderKey returns the provider new logins are sent to.
func (c *Controller) ProviderKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providerKey
}

// SetProviderKey switches the provider used by later logins.
func (c *Controller) SetProviderKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerKey = key
}

// BeginLogin moves an anonymous session to AWAITING_CALLBACK and returns the
// authorization URL. When the session already holds a token it returns
// authenticated=true and leaves the session alone.
func (c *Controller) BeginLogin(ctx context.Context, sess *SessionState) (authURL string, authenticated bool, err error) {
	if sess.HasToken() {
		return "", true, nil
	}

	key := c.ProviderKey()
	if key == "" {
		return "", false, ErrNotConfigured
	}
	cfg, err := c.providers.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, fmt.Errorf("%w: %s", ErrNotConfigured, key)
		}
		return "", false, fmt.Errorf("resolve provider %s: %w", key, err)
	}

	pending := &PendingLogin{
		State:       NewID(),
		Verifier:    oauth2.GenerateVerifier(),
		ProviderKey: key,
		CreatedAt:   c.now(),
	}
	sess.Pending = pending

	c.logger.Debug("login started", "session", sess.ID, "provider", key)
	return AuthCodeURL(cfg, pending.State, pending.Verifier), false, nil
}

// HandleCallback consumes the provider redirect for a session awaiting it.
// Re-entry once the session holds a token is a no-op.
func (c *Controller) HandleCallback(ctx context.Context, sess *SessionState, params CallbackParams) (*store.UserRecord, error) {
	if sess.HasToken() {
		c.metrics.login("noop")
		return sess.User, nil
	}

	pending := sess.Pending
	sess.Pending = nil

	if params.Error != "" {
		c.metrics.login("denied")
		return nil, fmt.Errorf("%w: %s: %s", ErrProviderDenied, params.Error, params.ErrorDescription)
	}
	if pending == nil {
		c.metrics.login("error")
		return nil, fmt.Errorf("%w: no login in progress", ErrPrecondition)
	}
	if params.State != pending.State {
		c.metrics.login("state_mismatch")
		return nil, ErrStateMismatch
	}
	if params.Code == "" {
		c.metrics.login("denied")
		return nil, fmt.Errorf("%w: callback without code", ErrProviderDenied)
	}

	cfg, err := c.providers.Resolve(ctx, pending.ProviderKey)
	if err != nil {
		c.metrics.login("error")
		return nil, fmt.Errorf("resolve provider %s: %w", pending.ProviderKey, err)
	}

	token, err := c.exchanger.Exchange(ctx, cfg, params.Code, pending.Verifier)
	if err != nil {
		c.metrics.login(failureLabel(err))
		return nil, err
	}

	return c.complete(ctx, sess, pending.ProviderKey, token)
}

// CompleteLogin applies an exchanged token to the session: decode, optional
// signature check, email check, user upsert, then session fields. It writes
// nothing when the session already holds a token.
func (c *Controller) CompleteLogin(ctx context.Context, sess *SessionState, token *Token) (*store.UserRecord, error) {
	if sess.HasToken() {
		c.metrics.login("noop")
		return sess.User, nil
	}
	key := c.ProviderKey()
	if sess.Pending != nil {
		key = sess.Pending.ProviderKey
	}
	sess.Pending = nil
	return c.complete(ctx, sess, key, token)
}

func (c *Controller) complete(ctx context.Context, sess *SessionState, key string, token *Token) (*store.UserRecord, error) {
	rec, err := c.apply(ctx, sess, key, token)
	if err != nil {
		c.metrics.login(failureLabel(err))
		c.logger.Warn("login failed", "session", sess.ID, "provider", key, "error", err)
		return nil, err
	}
	c.metrics.login("success")
	return rec, nil
}

func (c *Controller) apply(ctx context.Context, sess *SessionState, key string, token *Token) (*store.UserRecord, error) {
	if token == nil || token.IDToken == "" {
		return nil, fmt.Errorf("%w: token has no id_token", idtoken.ErrMalformedToken)
	}

	claims, err := idtoken.Decode(token.IDToken)
	if err != nil {
		return nil, err
	}

	if c.requireSignature {
		if err := c.verify(ctx, key, token.IDToken); err != nil {
			return nil, err
		}
	}

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	rec, result, err := c.users.Upsert(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}
	c.metrics.upsert(result.String())

	sess.Token = token
	sess.User = rec
	sess.ProviderKey = key
	sess.LogoutRequested = false
	sess.Authenticated = true

	c.logger.Info("login complete", "session", sess.ID, "provider", key, "user_id", rec.ID, "op", result.String())
	return rec, nil
}

func (c *Controller) verify(ctx context.Context, key, rawIDToken string) error {
	v, err := c.verifierFor(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnverifiedToken, err)
	}
	if err := v.Verify(ctx, rawIDToken); err != nil {
		return fmt.Errorf("%w: %w", ErrUnverifiedToken, err)
	}
	return nil
}

func (c *Controller) verifierFor(ctx context.Context, key string) (idtoken.Verifier, error) {
	c.mu.RLock()
	v, ok := c.verifiers[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	if c.newVerifier == nil {
		return nil, errors.New("no verifier configured")
	}

	cfg, err := c.providers.Resolve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve provider %s: %w", key, err)
	}
	v, err = c.newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.verifiers[key] = v
	c.mu.Unlock()
	return v, nil
}

// Logout tears down an authenticated session and returns the provider
// end-session URL. Without a token it fails with ErrPrecondition and the
// session is left as it was; the same holds when the provider cannot be
// resolved.
func (c *Controller) Logout(ctx context.Context, sess *SessionState) (string, error) {
	if !sess.HasToken() {
		c.metrics.logout("precondition")
		return "", fmt.Errorf("%w: logout without an active token", ErrPrecondition)
	}
	sess.LogoutRequested = true

	key := sess.ProviderKey
	if key == "" {
		key = c.ProviderKey()
	}
	cfg, err := c.providers.Resolve(ctx, key)
	if err != nil {
		sess.LogoutRequested = false
		c.metrics.logout("error")
		return "", fmt.Errorf("resolve provider %s: %w", key, err)
	}

	target, err := LogoutURL(cfg.EndSessionEndpoint, cfg.ClientID, cfg.RedirectURI, sess.Token.IDToken)
	if err != nil {
		sess.LogoutRequested = false
		c.metrics.logout("error")
		return "", fmt.Errorf("%w: end_session_endpoint: %w", ErrConfiguration, err)
	}

	userID := ""
	if sess.User != nil {
		userID = sess.User.ID
	}
	sess.reset()

	c.metrics.logout("success")
	c.logger.Info("logout", "session", sess.ID, "provider", key, "user_id", userID, "phase", PhaseLoggedOut)
	return target, nil
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, idtoken.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrMissingEmail):
		return "missing_email"
	case errors.Is(err, ErrUnverifiedToken):
		return "unverified"
	case errors.Is(err, ErrProviderDenied):
		return "denied"
	case errors.Is(err, ErrProviderUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
