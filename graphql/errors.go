package graphql

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrMissingEndpoint is returned by NewClient when no endpoint is configured.
	ErrMissingEndpoint = errors.New("a GraphQL HTTP endpoint must be provided")
	// ErrMissingQuery is returned before any network attempt for an empty query.
	ErrMissingQuery = errors.New("the request is missing a GraphQL query")
)

// NetworkError is a failed or malformed GraphQL HTTP exchange.
//
// Status is zero when no HTTP response was received. Body holds the parsed
// JSON payload when the response could be decoded, and the raw text otherwise.
type NetworkError struct {
	Message string
	Status  int
	Body    any
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// StatusOf extracts the HTTP status carried by err, or 0 when none is known.
func StatusOf(err error) int {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Status
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

// Retryable reports whether a failure with status may succeed on another
// attempt: transport failures (no status) and server errors.
func Retryable(status int) bool {
	return status == 0 || (status >= 500 && status <= 599)
}

// Location points into the GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ResponseError is one entry of a GraphQL response's "errors" list.
type ResponseError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ResponseErrors is returned by Decode when the server executed the request
// but reported errors.
type ResponseErrors []ResponseError

func (e ResponseErrors) Error() string {
	if len(e) == 1 {
		return "graphql: " + e[0].Message
	}
	msgs := make([]string, 0, len(e))
	for _, item := range e {
		msgs = append(msgs, item.Message)
	}
	return fmt.Sprintf("graphql: %d errors: %s", len(e), strings.Join(msgs, "; "))
}
