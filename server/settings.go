package server

import (
	"fmt"
	"slices"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"authnyc/store"
)

// RequiredSettings is the exact key set a static provider settings file must carry.
var RequiredSettings = []string{
	"AUTHORIZE_URL",
	"TOKEN_URL",
	"REVOKE_TOKEN_URL",
	"LOGOUT_URL",
	"CLIENT_ID",
	"CLIENT_SECRET",
	"REDIRECT_URI",
}

// StaticSettings is a provider configured from a dotenv file instead of discovery.
type StaticSettings struct {
	AuthorizeURL   string
	TokenURL       string
	RevokeTokenURL string
	LogoutURL      string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
}

// LoadSettings reads path with godotenv and checks it against RequiredSettings.
func LoadSettings(path string) (StaticSettings, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return StaticSettings{}, fmt.Errorf("%w: read settings %s: %w", ErrConfiguration, path, err)
	}
	return ParseSettings(values)
}

// ParseSettings requires values to hold exactly the RequiredSettings keys,
// each non-empty.
func ParseSettings(values map[string]string) (StaticSettings, error) {
	var result *multierror.Error

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !slices.Contains(RequiredSettings, k) {
			result = multierror.Append(result, fmt.Errorf("unexpected setting %s", k))
		}
	}
	for _, k := range RequiredSettings {
		v, ok := values[k]
		switch {
		case !ok:
			result = multierror.Append(result, fmt.Errorf("missing setting %s", k))
		case v == "":
			result = multierror.Append(result, fmt.Errorf("empty setting %s", k))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return StaticSettings{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return StaticSettings{
		AuthorizeURL:   values["AUTHORIZE_URL"],
		TokenURL:       values["TOKEN_URL"],
		RevokeTokenURL: values["REVOKE_TOKEN_URL"],
		LogoutURL:      values["LOGOUT_URL"],
		ClientID:       values["CLIENT_ID"],
		ClientSecret:   values["CLIENT_SECRET"],
		RedirectURI:    values["REDIRECT_URI"],
	}, nil
}

// ProviderConfig maps the settings onto the stored provider shape.
func (s StaticSettings) ProviderConfig() store.ProviderConfig {
	return store.ProviderConfig{
		AuthorizationEndpoint: s.AuthorizeURL,
		TokenEndpoint:         s.TokenURL,
		RevocationEndpoint:    s.RevokeTokenURL,
		EndSessionEndpoint:    s.LogoutURL,
		ClientID:              s.ClientID,
		ClientSecret:          s.ClientSecret,
		RedirectURI:           s.RedirectURI,
	}
}
