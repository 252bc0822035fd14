package server

import (
	"time"

	"authnyc/store"
)

// Phase is the position of a session in the login state machine.
type Phase string

const (
	PhaseAnonymous        Phase = "ANONYMOUS"
	PhaseAwaitingCallback Phase = "AWAITING_CALLBACK"
	PhaseAuthenticated    Phase = "AUTHENTICATED"
	PhaseLoggedOut        Phase = "LOGGED_OUT"
)

// Token is the result of the authorization code exchange. Only IDToken is
// interpreted.
type Token struct {
	IDToken      string    `json:"id_token"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// PendingLogin is recorded when the authorization redirect is issued and
// consumed by the callback.
type PendingLogin struct {
	State       string    `json:"state"`
	Verifier    string    `json:"verifier"`
	ProviderKey string    `json:"provider_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionState is the per-browser authentication state bound to a cookie.
type SessionState struct {
	ID              string            `json:"id"`
	Authenticated   bool              `json:"authenticated"`
	Token           *Token            `json:"token,omitempty"`
	User            *store.UserRecord `json:"user,omitempty"`
	LogoutRequested bool              `json:"logout_requested"`
	ProviderKey     string            `json:"provider_key,omitempty"`
	Pending         *PendingLogin     `json:"pending,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// HasToken reports whether the session already holds a provider token.
func (s *SessionState) HasToken() bool {
	return s != nil && s.Token != nil && s.Token.IDToken != ""
}

// Phase derives the state machine position from the session fields.
func (s *SessionState) Phase() Phase {
	switch {
	case s == nil:
		return PhaseAnonymous
	case s.HasToken() && s.Authenticated:
		return PhaseAuthenticated
	case s.Pending != nil:
		return PhaseAwaitingCallback
	default:
		return PhaseAnonymous
	}
}

// reset clears every session-scoped field except identity and lifetime.
func (s *SessionState) reset() {
	s.Authenticated = false
	s.Token = nil
	s.User = nil
	s.LogoutRequested = false
	s.ProviderKey = ""
	s.Pending = nil
}

// CallbackParams are the query parameters the provider appends to redirect_uri.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}
