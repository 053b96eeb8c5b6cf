package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

const discoveryTimeout = 10 * time.Second

// DiscoveryDocument is the subset of the provider metadata the client uses.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// SupportsS256 reports whether the provider advertises the S256 PKCE method.
// Providers that omit the list are assumed to support it.
func (d *DiscoveryDocument) SupportsS256() bool {
	if len(d.CodeChallengeMethods) == 0 {
		return true
	}
	for _, m := range d.CodeChallengeMethods {
		if m == "S256" {
			return true
		}
	}
	return false
}

// Discover fetches the OpenID Provider metadata for issuer. The request is a
// plain idempotent GET, so it goes through the retrying client.
func Discover(ctx context.Context, client *retry.Client, issuer string) (*DiscoveryDocument, error) {
	if client == nil {
		return nil, errors.New("discovery requires an HTTP client")
	}

	reqCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read discovery response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"discovery request failed with status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}

	if doc.Issuer != issuer {
		return nil, fmt.Errorf("issuer did not match the issuer returned by provider, expected %q got %q", issuer, doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return nil, errors.New("discovery document has no jwks_uri")
	}

	return &doc, nil
}

// NewIDTokenVerifier verifies ID tokens issued by doc's provider for clientID,
// fetching signing keys from the provider's JWKS endpoint.
func NewIDTokenVerifier(ctx context.Context, doc *DiscoveryDocument, clientID string) *gooidc.IDTokenVerifier {
	keySet := gooidc.NewRemoteKeySet(ctx, doc.JWKSURI)
	return gooidc.NewVerifier(doc.Issuer, keySet, &gooidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: doc.IDTokenSigningAlgs,
	})
}
