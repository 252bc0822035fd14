package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "authnyc_session"

// SessionManager binds SessionState to a browser cookie.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		store:  store,
		logger: logger,
		ttl:    ttl,
		secure: !cfg.Server.DevMode,
		// Lax: the cookie must ride along on the provider's top-level redirect to /callback.
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Load returns the session for the request cookie. A missing, unknown or
// expired cookie yields a fresh anonymous session that is not yet stored.
func (sm *SessionManager) Load(r *http.Request) (*SessionState, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sess, err := sm.store.Get(r.Context(), cookie.Value)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if sess != nil && sm.now().Before(sess.ExpiresAt) {
			return sess, nil
		}
		if sess != nil {
			_ = sm.store.Delete(r.Context(), sess.ID)
		}
	}

	now := sm.now()
	return &SessionState{
		ID:        NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}, nil
}

// Save persists sess with a sliding expiry and refreshes the cookie.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *SessionState) error {
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Destroy deletes the stored session and expires the cookie. The cookie is
// left untouched when the delete fails.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, id string) error {
	if err := sm.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	sm.Clear(w)
	return nil
}

// Clear removes the session cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}
