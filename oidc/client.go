// Package oidc implements the client side of the OAuth 2.0 Authorization Code
// flow with PKCE (RFC 7636) against an OpenID Connect provider.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/erm-cli/config"
	"github.com/go-authgate/erm-cli/session"
	"github.com/go-authgate/erm-cli/storage"
)

const (
	codeVerifierBytes = 32
	stateBytes        = 16

	tokenExchangeTimeout = 15 * time.Second
)

// HTTPDoer sends a single HTTP request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// IDTokenVerifier checks an ID token. *gooidc.IDTokenVerifier satisfies it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*gooidc.IDToken, error)
}

// AuthorizationRequest is where to send the user to authorize.
type AuthorizationRequest struct {
	URL   string
	State string
}

// ExchangeOptions carries the parameters of an authorization callback.
type ExchangeOptions struct {
	Code  string
	State string
}

// Client runs the PKCE flow. The pending authorization record is owned by the
// client; at most one exists per storage scope.
type Client struct {
	cfg      config.OIDC
	oauth    *oauth2.Config
	store    storage.Storage
	http     HTTPDoer
	random   io.Reader
	verifier IDTokenVerifier
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		c.http = doer
	}
}

// WithRandom sets the random source for verifiers and states.
func WithRandom(r io.Reader) Option {
	return func(c *Client) {
		c.random = r
	}
}

// WithVerifier enables ID token verification on exchange.
func WithVerifier(v IDTokenVerifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log.With().Str("component", "oidc").Logger()
	}
}

// NewClient creates a client for cfg that keeps its pending authorization in store.
func NewClient(cfg config.OIDC, store storage.Storage, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("session storage is required to coordinate the PKCE flow")
	}

	c := &Client{
		cfg:    cfg,
		store:  store,
		http:   &http.Client{Timeout: tokenExchangeTimeout},
		random: rand.Reader,
		log:    zerolog.Nop(),
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      strings.Fields(cfg.Scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.random == nil {
		return nil, ErrRandomSource
	}
	if c.http == nil {
		return nil, errors.New("an HTTP client must be provided for the OIDC client")
	}

	return c, nil
}

// InitiateAuthorization starts a new attempt: it generates a code verifier
// and state, stores them as the pending authorization (replacing any earlier
// one) and returns the authorization URL the user must visit.
func (c *Client) InitiateAuthorization() (*AuthorizationRequest, error) {
	verifier, err := c.randomString(codeVerifierBytes)
	if err != nil {
		return nil, err
	}
	state, err := c.randomString(stateBytes)
	if err != nil {
		return nil, err
	}

	persistPending(c.store, PendingAuthorization{CodeVerifier: verifier, State: state}, c.log)

	authURL := c.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	c.log.Debug().Str("endpoint", c.cfg.AuthorizationEndpoint).Msg("authorization request built")

	return &AuthorizationRequest{URL: authURL, State: state}, nil
}

// CodeChallenge derives the S256 code challenge for verifier.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func (c *Client) randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.random, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ExchangeCodeForToken redeems an authorization code. The pending
// authorization it reads is consumed whatever the outcome, so a code can never
// be replayed against the same verifier. A record written by a newer
// authorization while the exchange was in flight is left alone.
func (c *Client) ExchangeCodeForToken(ctx context.Context, opts ExchangeOptions) (session.Token, error) {
	pending := readPending(c.store, c.log)
	if pending == nil {
		return session.Token{}, ErrNoPendingAuthorization
	}
	// A cancelled exchange may have been superseded by a newer authorization
	// whose record it just read.
	if err := ctx.Err(); err != nil {
		return session.Token{}, err
	}
	defer clearPendingIf(c.store, *pending, c.log)

	// Checked before any network call.
	if opts.State != "" && opts.State != pending.State {
		c.log.Warn().Msg("authorization response state mismatch")
		return session.Token{}, ErrStateMismatch
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", opts.Code)
	form.Set("code_verifier", pending.CodeVerifier)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.cfg.TokenEndpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return session.Token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Token{}, fmt.Errorf("failed to reach the OIDC token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Token{}, fmt.Errorf("failed to read the OIDC token response: %w", err)
	}

	payload := map[string]any{}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return session.Token{}, fmt.Errorf("failed to parse the OIDC token response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, _ := payload["error"].(string)
		description, _ := payload["error_description"].(string)
		errorURI, _ := payload["error_uri"].(string)
		c.log.Warn().Int("status", resp.StatusCode).Str("error", code).Msg("token endpoint rejected exchange")
		return session.Token{}, &TokenError{
			Status:      resp.StatusCode,
			Code:        code,
			Description: description,
			Retrieve: &oauth2.RetrieveError{
				Response:         resp,
				Body:             body,
				ErrorCode:        code,
				ErrorDescription: description,
				ErrorURI:         errorURI,
			},
		}
	}

	accessToken, _ := payload["access_token"].(string)
	if accessToken == "" {
		return session.Token{}, ErrMissingAccessToken
	}
	tokenType, _ := payload["token_type"].(string)

	if rawIDToken, _ := payload["id_token"].(string); rawIDToken != "" && c.verifier != nil {
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return session.Token{}, fmt.Errorf("failed to verify the ID token: %w", err)
		}
		c.log.Info().Str("subject", idToken.Subject).Msg("ID token verified")
	}

	c.log.Debug().Int("access_token_len", len(accessToken)).Msg("authorization code exchanged")
	return session.Token{AccessToken: accessToken, TokenType: tokenType}, nil
}

// ClearPendingAuthorization removes the pending record. It is idempotent.
func (c *Client) ClearPendingAuthorization() {
	clearPending(c.store, c.log)
}

// GetPendingAuthorization returns the pending record without consuming it.
func (c *Client) GetPendingAuthorization() *PendingAuthorization {
	return readPending(c.store, c.log)
}
