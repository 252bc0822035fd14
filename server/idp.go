package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authnyc/idtoken"
	"authnyc/store"
)

// LoginScopes are requested on every authorization redirect.
var LoginScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// Exchanger trades an authorization code for a Token.
type Exchanger interface {
	Exchange(ctx context.Context, cfg store.ProviderConfig, code, verifier string) (*Token, error)
}

// OAuth2Exchanger performs the code exchange with golang.org/x/oauth2.
type OAuth2Exchanger struct {
	client *http.Client
}

// NewOAuth2Exchanger uses client for the token endpoint call.
func NewOAuth2Exchanger(client *http.Client) *OAuth2Exchanger {
	return &OAuth2Exchanger{client: client}
}

func oauth2Config(cfg store.ProviderConfig) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthorizationEndpoint,
		TokenURL: cfg.TokenEndpoint,
	}
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       LoginScopes,
	}
}

// AuthCodeURL builds the authorization redirect with an S256 PKCE challenge
// derived from verifier.
func AuthCodeURL(cfg store.ProviderConfig, state, verifier string) string {
	return oauth2Config(cfg).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.AccessTypeOffline,
	)
}

// Exchange completes the code exchange and returns the provider token.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, cfg store.ProviderConfig, code, verifier string) (*Token, error) {
	if e.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	}

	tok, err := oauth2Config(cfg).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%w: token endpoint: %w", ErrProviderDenied, err)
		}
		return nil, fmt.Errorf("%w: exchange code: %w", ErrProviderUnreachable, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in token response", idtoken.ErrMalformedToken)
	}

	return &Token{
		IDToken:      rawIDToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}, nil
}
