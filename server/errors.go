package server

import "errors"

var (
	// ErrConfiguration marks missing or inconsistent startup configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrMissingEmail is returned when decoded claims carry no email.
	ErrMissingEmail = errors.New("id_token has no email claim")
	// ErrProviderUnreachable wraps discovery, token exchange and management API transport failures.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrPrecondition marks a call made in the wrong session phase, e.g. logout without a token.
	ErrPrecondition = errors.New("precondition violated")
	// ErrUnverifiedToken is returned when signature verification is required and fails.
	ErrUnverifiedToken = errors.New("id_token signature not verified")
	// ErrStateMismatch is returned when the callback state does not match the pending login.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrProviderDenied is returned when the provider redirected back with an error.
	ErrProviderDenied = errors.New("provider denied authorization")
	// ErrAlreadyConfigured is returned by the setup workflow once a provider is stored.
	ErrAlreadyConfigured = errors.New("provider already configured")
	// ErrNotConfigured is returned when no provider key is known yet.
	ErrNotConfigured = errors.New("provider not configured")
)
