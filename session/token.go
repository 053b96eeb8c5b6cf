// Package session holds the access token for the running process, persists it
// to tab-scoped storage and keeps every process that shares that storage in
// agreement about whether a session exists.
package session

import "strings"

const defaultTokenType = "Bearer"

// Token is the credential obtained from the authorization code exchange.
type Token struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType,omitempty"`
}

// Valid reports whether the token carries an access token. It takes a pointer
// so that the nil token returned when signed out reports false.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != ""
}

// Scheme returns the token type, defaulting to Bearer.
func (t Token) Scheme() string {
	if scheme := strings.TrimSpace(t.TokenType); scheme != "" {
		return scheme
	}
	return defaultTokenType
}

// AuthorizationHeader formats the value of the Authorization request header.
func (t Token) AuthorizationHeader() string {
	return t.Scheme() + " " + t.AccessToken
}

// Preview returns a shortened access token safe to show on screen.
func (t Token) Preview() string {
	const n = 12
	if len(t.AccessToken) <= n {
		return strings.Repeat("*", len(t.AccessToken))
	}
	return t.AccessToken[:n] + "..."
}
