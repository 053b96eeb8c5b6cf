// Package config resolves the client's runtime configuration from the
// environment. Values are read once at startup.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Environment keys.
const (
	KeyClientID              = "OIDC_CLIENT_ID"
	KeyAuthorizationEndpoint = "OIDC_AUTHORIZATION_ENDPOINT"
	KeyTokenEndpoint         = "OIDC_TOKEN_ENDPOINT"
	KeyRedirectURI           = "OIDC_REDIRECT_URI"
	KeyScope                 = "OIDC_SCOPE"
	KeyIssuer                = "OIDC_ISSUER"

	KeyGraphQLEndpoint   = "GRAPHQL_HTTP_ENDPOINT"
	KeyGraphQLMaxRetries = "GRAPHQL_HTTP_MAX_RETRIES"
	KeyGraphQLRetryDelay = "GRAPHQL_HTTP_RETRY_DELAY_MS"

	KeySessionDir = "SESSION_DIR"
)

// Defaults for optional settings.
const (
	DefaultGraphQLEndpoint   = "http://localhost:8080/graphql"
	DefaultGraphQLMaxRetries = 1
	DefaultGraphQLRetryDelay = 250 * time.Millisecond
	DefaultSessionDir        = ".erm-session"
)

// ErrMissingValue reports a required OIDC setting that is absent or blank.
var ErrMissingValue = errors.New("missing required OIDC configuration value")

// EnvSource looks up a configuration value by key. An empty result means unset.
type EnvSource func(key string) string

// Environ reads the process environment.
func Environ() EnvSource {
	return os.Getenv
}

// Map serves values from m. Handy for tests.
func Map(m map[string]string) EnvSource {
	return func(key string) string {
		return m[key]
	}
}

// Override returns a source where non-empty values in overrides win over e.
func (e EnvSource) Override(overrides map[string]string) EnvSource {
	return func(key string) string {
		if v := overrides[key]; v != "" {
			return v
		}
		return e(key)
	}
}

// OIDC is the static OpenID Connect client configuration.
type OIDC struct {
	ClientID              string `validate:"required"`
	AuthorizationEndpoint string `validate:"required,url"`
	TokenEndpoint         string `validate:"required,url"`
	RedirectURI           string `validate:"required,url"`
	Scope                 string `validate:"required"`
	Issuer                string `validate:"required"`
}

// ResolveOIDC reads every OIDC setting. All are required; the first missing
// one is reported by key.
func ResolveOIDC(env EnvSource) (OIDC, error) {
	var cfg OIDC
	fields := []struct {
		key string
		dst *string
	}{
		{KeyClientID, &cfg.ClientID},
		{KeyAuthorizationEndpoint, &cfg.AuthorizationEndpoint},
		{KeyTokenEndpoint, &cfg.TokenEndpoint},
		{KeyRedirectURI, &cfg.RedirectURI},
		{KeyScope, &cfg.Scope},
		{KeyIssuer, &cfg.Issuer},
	}

	for _, f := range fields {
		value := strings.TrimSpace(env(f.key))
		if value == "" {
			return OIDC{}, fmt.Errorf("%w for %s", ErrMissingValue, f.key)
		}
		*f.dst = value
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return OIDC{}, fmt.Errorf(
				"invalid OIDC configuration: %s failed %q validation",
				verrs[0].Field(),
				verrs[0].Tag(),
			)
		}
		return OIDC{}, fmt.Errorf("invalid OIDC configuration: %w", err)
	}

	return cfg, nil
}

// Warnings returns non-fatal concerns about cfg worth showing the operator.
func (cfg OIDC) Warnings() []string {
	var warnings []string

	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		warnings = append(warnings, fmt.Sprintf(
			"%s doesn't appear to be a valid UUID: %s", KeyClientID, cfg.ClientID,
		))
	}

	for _, endpoint := range []string{cfg.AuthorizationEndpoint, cfg.TokenEndpoint} {
		if isPlaintextRemote(endpoint) {
			warnings = append(warnings, fmt.Sprintf(
				"%s uses HTTP instead of HTTPS. Tokens will be transmitted in plaintext!", endpoint,
			))
		}
	}

	return warnings
}

func isPlaintextRemote(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

// GraphQL configures the GraphQL HTTP transport.
type GraphQL struct {
	HTTPEndpoint string
	MaxRetries   int
	RetryDelay   time.Duration
}

// ResolveGraphQL reads the GraphQL settings. Every value has a default;
// unparsable or negative integers fall back to it.
func ResolveGraphQL(env EnvSource) GraphQL {
	endpoint := strings.TrimSpace(env(KeyGraphQLEndpoint))
	if endpoint == "" {
		endpoint = DefaultGraphQLEndpoint
	}

	return GraphQL{
		HTTPEndpoint: endpoint,
		MaxRetries:   parseNonNegative(env(KeyGraphQLMaxRetries), DefaultGraphQLMaxRetries),
		RetryDelay: time.Duration(
			parseNonNegative(env(KeyGraphQLRetryDelay), int(DefaultGraphQLRetryDelay/time.Millisecond)),
		) * time.Millisecond,
	}
}

// Storage configures where session state is kept.
type Storage struct {
	Dir string
}

// ResolveStorage reads the storage settings.
func ResolveStorage(env EnvSource) Storage {
	dir := strings.TrimSpace(env(KeySessionDir))
	if dir == "" {
		dir = DefaultSessionDir
	}
	return Storage{Dir: dir}
}

func parseNonNegative(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
