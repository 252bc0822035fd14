package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unsignedToken builds a compact token with a dummy signature segment.
func unsignedToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

// fakeIdP is an httptest identity provider exposing discovery, token, JWKS,
// logout and Management API endpoints.
type fakeIdP struct {
	t    *testing.T
	srv  *httptest.Server
	key  *rsa.PrivateKey
	code string

	mu           sync.Mutex
	claims       map[string]any
	tokenCalls   int
	verifiers    []string
	patches      map[string]map[string]any
	patchAuth    []string
	denyPatches  bool
	discoveryHit int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{
		t:    t,
		key:  key,
		code: "good-code",
		claims: map[string]any{
			"sub":         "auth0|ada",
			"email":       "ada@example.com",
			"name":        "Ada Lovelace",
			"given_name":  "Ada",
			"family_name": "Lovelace",
			"amr":         []string{"pwd"},
		},
		patches: make(map[string]map[string]any),
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", idp.discovery)
	r.Get("/.well-known/jwks.json", idp.jwks)
	r.Post("/oauth/token", idp.token)
	r.Patch("/api/v2/users/{sub}", idp.patchUser)

	idp.srv = httptest.NewServer(r)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (p *fakeIdP) URL() string { return p.srv.URL }

func (p *fakeIdP) DiscoveryURL() string {
	return p.srv.URL + "/.well-known/openid-configuration"
}

func (p *fakeIdP) setClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

func (p *fakeIdP) discovery(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.discoveryHit++
	p.mu.Unlock()

	base := p.srv.URL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 base + "/",
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/oauth/token",
		"revocation_endpoint":    base + "/oauth/revoke",
		"end_session_endpoint":   base + "/v2/logout",
		"jwks_uri":               base + "/.well-known/jwks.json",
	})
}

func (p *fakeIdP) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     "idp-key",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "client_credentials":
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "mgmt-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
		return
	case "authorization_code":
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	p.mu.Lock()
	p.tokenCalls++
	p.verifiers = append(p.verifiers, r.PostForm.Get("code_verifier"))
	claims := make(map[string]any, len(p.claims)+4)
	for k, v := range p.claims {
		claims[k] = v
	}
	p.mu.Unlock()

	if r.PostForm.Get("code") != p.code {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
		return
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		clientID, _, _ = r.BasicAuth()
	}
	claims["iss"] = p.srv.URL + "/"
	claims["aud"] = clientID
	claims["iat"] = time.Now().Unix()
	claims["exp"] = time.Now().Add(time.Hour).Unix()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "access-" + p.code,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     p.sign(claims),
	})
}

func (p *fakeIdP) sign(claims map[string]any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "idp-key"),
	)
	require.NoError(p.t, err)
	payload, err := json.Marshal(claims)
	require.NoError(p.t, err)
	obj, err := signer.Sign(payload)
	require.NoError(p.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(p.t, err)
	return raw
}

func (p *fakeIdP) patchUser(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.patchAuth = append(p.patchAuth, r.Header.Get("Authorization"))
	if p.denyPatches {
		writeError(w, http.StatusForbidden, "insufficient_scope", "update:users required")
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "bad_content_type", "")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	p.patches[chi.URLParam(r, "sub")] = body
	writeJSON(w, http.StatusOK, body)
}
