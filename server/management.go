package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"authnyc/store"
)

// ManagementClient mirrors operator profile edits to the provider's
// Management API using a client credentials token.
type ManagementClient struct {
	baseURL string
	client  *http.Client
}

// NewManagementClient builds a client for cfg. Tokens are fetched lazily and
// cached until expiry; ctx bounds token fetches for the client's lifetime.
func NewManagementClient(ctx context.Context, cfg store.APIProviderConfig, httpClient *http.Client) *ManagementClient {
	base := managementBaseURL(cfg.Domain)
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/oauth/token",
		EndpointParams: url.Values{
			"audience": {managementAudience(cfg.Audience, cfg.Domain)},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, httpClient))
	client.Timeout = httpClient.Timeout

	return &ManagementClient{baseURL: base, client: client}
}

// managementBaseURL accepts a bare tenant domain or a full URL.
func managementBaseURL(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}

// managementAudience substitutes the tenant domain for a "{}" placeholder.
func managementAudience(audience, domain string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(managementBaseURL(domain), "https://"), "http://")
	return strings.ReplaceAll(audience, "{}", host)
}

// UpdateUser PATCHes the set fields of changes onto the provider user sub.
func (m *ManagementClient) UpdateUser(ctx context.Context, sub string, changes store.ProfileChanges) error {
	if sub == "" {
		return fmt.Errorf("%w: user has no subject", ErrPrecondition)
	}
	body, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode profile changes: %w", err)
	}

	endpoint := m.baseURL + "/api/v2/users/" + url.PathEscape(sub)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build management request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: management api: %w", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("management api returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
