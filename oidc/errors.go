package oidc

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrNoPendingAuthorization means there is nothing to complete: storage was
	// cleared, the flow started in another storage scope, or it already ran.
	ErrNoPendingAuthorization = errors.New("no pending authorization request was found")
	// ErrStateMismatch means the callback state differs from the one issued.
	ErrStateMismatch = errors.New("the authorization response state did not match the original request")
	// ErrMissingAccessToken means a 2xx token response had no access_token.
	ErrMissingAccessToken = errors.New("the token response did not include an access token")
	// ErrRandomSource means the runtime could not supply secure random bytes.
	ErrRandomSource = errors.New("a cryptographic random source is required for PKCE")
)

// TokenError is a non-2xx answer from the token endpoint.
type TokenError struct {
	Status      int
	Code        string
	Description string
	Retrieve    *oauth2.RetrieveError
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		code := e.Code
		if code == "" {
			code = http.StatusText(e.Status)
		}
		return fmt.Sprintf("%s: %s", code, e.Description)
	}
	if e.Code != "" {
		return fmt.Sprintf("Token endpoint responded with status %d (%s).", e.Status, e.Code)
	}
	return fmt.Sprintf("Token endpoint responded with status %d.", e.Status)
}

func (e *TokenError) Unwrap() error {
	if e.Retrieve == nil {
		return nil
	}
	return e.Retrieve
}
