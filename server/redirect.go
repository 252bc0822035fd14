package server

import (
	"net/url"
	"strings"
)

// isSafeRedirectURI reports whether uri is an absolute http(s) URL that
// cannot be bent into an open redirect.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme, rest := uri[:idx], uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	host := rest
	if slash := strings.Index(rest, "/"); slash != -1 {
		host = rest[:slash]
	}
	return host != "" && !strings.Contains(host, "#")
}

// localRedirect returns target when it is a same-origin path, else fallback.
func localRedirect(target, fallback string) string {
	if !isLocalPath(target) {
		return fallback
	}
	if _, err := url.Parse(target); err != nil {
		return fallback
	}
	return target
}

// LogoutURL builds the end-session redirect with form-encoded
// returnTo, client_id and id_token_hint parameters.
func LogoutURL(endSessionEndpoint, clientID, returnTo, idTokenHint string) (string, error) {
	u, err := url.Parse(endSessionEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("returnTo", returnTo)
	q.Set("client_id", clientID)
	q.Set("id_token_hint", idTokenHint)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
