package login

import (
	"net/url"
)

// Callback holds the authorization response parameters found on a location.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallback reads the authorization response from location. Each
// parameter is looked up in the query first and then in the fragment, so
// both response_mode=query and response_mode=fragment are accepted.
func ParseCallback(location *url.URL) Callback {
	if location == nil {
		return Callback{}
	}

	query := parseParams(location.RawQuery)
	fragment := parseParams(location.EscapedFragment())

	lookup := func(key string) string {
		if query.Has(key) {
			return query.Get(key)
		}
		return fragment.Get(key)
	}

	return Callback{
		Code:             lookup("code"),
		State:            lookup("state"),
		Error:            lookup("error"),
		ErrorDescription: lookup("error_description"),
	}
}

func parseParams(raw string) url.Values {
	if raw == "" {
		return url.Values{}
	}
	// ParseQuery keeps every pair it could decode, which is what we want for
	// a half-mangled callback.
	values, _ := url.ParseQuery(raw)
	return values
}

// Message is the user-facing text for a callback error.
func (cb Callback) Message() string {
	if cb.ErrorDescription != "" {
		return cb.ErrorDescription
	}
	if cb.Error != "" {
		return "Login failed: " + cb.Error
	}
	return "Login failed. Please try again."
}

// stripCallback returns location without its query and fragment so that a
// reload cannot replay the authorization code.
func stripCallback(location *url.URL) *url.URL {
	if location == nil {
		return &url.URL{Path: "/login"}
	}
	stripped := *location
	stripped.RawQuery = ""
	stripped.ForceQuery = false
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return &stripped
}
