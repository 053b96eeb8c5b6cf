// Package graphql sends GraphQL-over-HTTP requests on behalf of the current
// session, retrying transient failures and reporting rejected tokens.
package graphql

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/config"
	"github.com/go-authgate/erm-cli/session"
)

// AcceptHeader negotiates GraphQL-over-HTTP responses with a plain JSON fallback.
const AcceptHeader = "application/graphql-response+json; charset=utf-8, application/json; charset=utf-8"

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource yields the token to authorize a request with, or nil.
// *session.Store satisfies it.
type TokenSource interface {
	Token() *session.Token
}

// Options configures a Client.
type Options struct {
	Endpoint   string
	HTTPClient Doer
	Tokens     TokenSource
	// MaxRetries is the number of attempts after the first. Negative is 0.
	MaxRetries int
	RetryDelay time.Duration

	// AuthorizationHeader formats the Authorization header. Defaults to
	// session.Token.AuthorizationHeader.
	AuthorizationHeader func(session.Token) string
	// OnUnauthorized is called for every 401 response. When nil the error is
	// published to Events.
	OnUnauthorized func(err error, status int)
	Events         *session.Events

	// Sleep waits between attempts. It must return early with ctx.Err()
	// when ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

// FromConfig returns Options for cfg. Callers add the token source and
// unauthorized handling.
func FromConfig(cfg config.GraphQL) Options {
	return Options{
		Endpoint:   cfg.HTTPEndpoint,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}
}

// Request is one GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Client is a retrying GraphQL HTTP client. It is safe for concurrent use.
type Client struct {
	endpoint      string
	http          Doer
	tokens        TokenSource
	totalAttempts int
	retryDelay    time.Duration
	authHeader    func(session.Token) string
	unauthorized  func(err error, status int)
	sleep         func(ctx context.Context, d time.Duration) error
	log           zerolog.Logger
}

// NewClient creates a client from opts.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}

	c := &Client{
		endpoint:      endpoint,
		http:          opts.HTTPClient,
		tokens:        opts.Tokens,
		totalAttempts: max(0, opts.MaxRetries) + 1,
		retryDelay:    opts.RetryDelay,
		authHeader:    opts.AuthorizationHeader,
		unauthorized:  opts.OnUnauthorized,
		sleep:         opts.Sleep,
		log:           opts.Logger.With().Str("component", "graphql").Logger(),
	}

	if c.http == nil {
		c.http = defaultHTTPClient()
	}
	if c.authHeader == nil {
		c.authHeader = session.Token.AuthorizationHeader
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.unauthorized == nil {
		events := opts.Events
		log := c.log
		c.unauthorized = func(err error, status int) {
			if events == nil {
				log.Warn().Int("status", status).Msg("unauthorized response with no subscriber channel")
				return
			}
			events.PublishUnauthorized(session.UnauthorizedEvent{Status: status, Reason: err})
		}
	}

	return c, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Do posts req and returns the decoded response payload.
//
// A failed attempt is retried while attempts remain and the failure has no
// HTTP status or a 5xx status. Every 401 is reported to the unauthorized
// handler. The delay is applied between attempts only.
func (c *Client) Do(ctx context.Context, req Request) (map[string]any, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrMissingQuery
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &NetworkError{Message: "Failed to encode GraphQL request.", Cause: err}
	}

	log := c.log.With().
		Str("request_id", uuid.NewString()).
		Str("operation", req.OperationName).
		Logger()

	var lastErr error
	for attempt := 0; attempt < c.totalAttempts; attempt++ {
		payload, err := c.attempt(ctx, body)
		if err == nil {
			log.Debug().Int("attempt", attempt+1).Msg("request succeeded")
			return payload, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(err, ctxErr) {
				return nil, err
			}
			return nil, ctxErr
		}

		status := StatusOf(err)
		if status == http.StatusUnauthorized {
			c.unauthorized(err, status)
		}

		if attempt >= c.totalAttempts-1 || !Retryable(status) {
			log.Debug().Err(err).Int("attempt", attempt+1).Int("status", status).Msg("request failed")
			return nil, err
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("status", status).
			Dur("delay", c.retryDelay).
			Msg("retrying request")

		if err := c.sleep(ctx, c.retryDelay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &NetworkError{Message: "GraphQL request failed."}
}

func (c *Client) attempt(ctx context.Context, body []byte) (map[string]any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Message: "Failed to create GraphQL request.", Cause: err}
	}
	httpReq.Header.Set("Accept", AcceptHeader)
	httpReq.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		if token := c.tokens.Token(); token.Valid() {
			httpReq.Header.Set("Authorization", c.authHeader(*token))
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Message: "GraphQL request could not be sent.", Cause: err}
	}
	defer resp.Body.Close()

	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{
			Message: "Failed to read GraphQL response.",
			Status:  resp.StatusCode,
			Cause:   err,
		}
	}

	text := strings.TrimSpace(string(raw))
	payload := map[string]any{}
	if text != "" {
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			return nil, &NetworkError{
				Message: "Failed to parse GraphQL response payload.",
				Status:  resp.StatusCode,
				Body:    text,
				Cause:   err,
			}
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{
			Message: fmt.Sprintf("GraphQL request failed with status %d", resp.StatusCode),
			Status:  resp.StatusCode,
			Body:    payload,
		}
	}

	return payload, nil
}

// Decode runs req and unmarshals the response's data into out. Errors
// reported in the response are returned as ResponseErrors; out is still
// populated with any partial data.
func (c *Client) Decode(ctx context.Context, req Request, out any) error {
	payload, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	// Round-trip through JSON so out can be any struct shape.
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors ResponseErrors  `json:"errors"`
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode GraphQL payload: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unexpected GraphQL response shape: %w", err)
	}

	if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode GraphQL data: %w", err)
		}
	}

	if len(envelope.Errors) > 0 {
		return envelope.Errors
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
