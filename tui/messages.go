package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a stored session was found.
type MsgSessionFound struct{ Preview string }

// MsgSessionNotFound signals that no session is stored (starting fresh).
type MsgSessionNotFound struct{}

// MsgDiscovering signals that the provider metadata is being fetched.
type MsgDiscovering struct{ Issuer string }

// MsgDiscoveryFailed signals that discovery failed; ID tokens are not verified.
type MsgDiscoveryFailed struct{ Err error }

// MsgAuthorizationURL signals that the user must open URL to sign in.
type MsgAuthorizationURL struct {
	URL      string
	Deadline time.Time
}

// MsgCallbackReceived signals that the authorization server redirected back.
type MsgCallbackReceived struct{}

// MsgExchanging signals that the authorization code is being redeemed.
type MsgExchanging struct{}

// MsgSignedIn signals that a session token was stored.
type MsgSignedIn struct{}

// MsgLoginFailed signals that the login attempt ended in an error.
type MsgLoginFailed struct {
	Message string
	Fatal   bool
}

// MsgVerifying signals that the session is being checked against the API.
type MsgVerifying struct{}

// MsgVerifyOK signals that the API accepted the session.
type MsgVerifyOK struct{ Body string }

// MsgVerifyFailed signals that the API check failed.
type MsgVerifyFailed struct{ Err error }

// MsgSessionRejected signals that the API rejected the token.
type MsgSessionRejected struct{ Status int }

// MsgSessionCleared signals that the session was removed.
type MsgSessionCleared struct{}

// MsgDone signals successful completion of the login.
type MsgDone struct {
	Preview   string
	TokenType string
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
