package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output from the login flow.
type Displayer interface {
	Banner()
	SessionFound(preview string)
	SessionNotFound()
	Discovering(issuer string)
	DiscoveryFailed(err error)
	AuthorizationURL(url string, deadline time.Time)
	CallbackReceived()
	Exchanging()
	SignedIn()
	LoginFailed(message string, fatal bool)
	Verifying()
	VerifyOK(body string)
	VerifyFailed(err error)
	SessionRejected(status int)
	SessionCleared()
	Done(preview, tokenType string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== ERM Management Console Sign-in ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(preview string) {
	fmt.Fprintf(p.w, "Found existing session (%s)\n", preview)
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No existing session found, starting sign-in...")
}

func (p *PlainDisplayer) Discovering(issuer string) {
	fmt.Fprintf(p.w, "Fetching provider metadata from %s...\n", issuer)
}

func (p *PlainDisplayer) DiscoveryFailed(err error) {
	fmt.Fprintf(p.w, "Warning: provider discovery failed, ID tokens will not be verified: %v\n", err)
}

func (p *PlainDisplayer) AuthorizationURL(url string, deadline time.Time) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to sign in:\n%s\n", url)
	if !deadline.IsZero() {
		fmt.Fprintf(p.w, "\nWaiting up to %s for the redirect...\n", formatDuration(time.Until(deadline)))
	}
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) CallbackReceived() {
	fmt.Fprintln(p.w, "Authorization response received")
}

func (p *PlainDisplayer) Exchanging() {
	fmt.Fprintln(p.w, "Completing login...")
}

func (p *PlainDisplayer) SignedIn() {
	fmt.Fprintln(p.w, "\nSigned in!")
}

func (p *PlainDisplayer) LoginFailed(message string, fatal bool) {
	fmt.Fprintf(p.w, "Login failed: %s\n", message)
	if !fatal {
		fmt.Fprintln(p.w, "Run the login command again to retry.")
	}
}

func (p *PlainDisplayer) Verifying() {
	fmt.Fprintln(p.w, "\nVerifying session...")
}

func (p *PlainDisplayer) VerifyOK(body string) {
	if body != "" {
		fmt.Fprintf(p.w, "Viewer: %s\n", body)
	}
	fmt.Fprintln(p.w, "Session verified successfully!")
}

func (p *PlainDisplayer) VerifyFailed(err error) {
	fmt.Fprintf(p.w, "Session verification failed: %v\n", err)
}

func (p *PlainDisplayer) SessionRejected(status int) {
	fmt.Fprintf(p.w, "Session rejected by the API (%d)\n", status)
}

func (p *PlainDisplayer) SessionCleared() {
	fmt.Fprintln(p.w, "Session cleared")
}

func (p *PlainDisplayer) Done(preview, tokenType string) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "Access Token: %s\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                {}
func (NoopDisplayer) SessionFound(_ string)                  {}
func (NoopDisplayer) SessionNotFound()                       {}
func (NoopDisplayer) Discovering(_ string)                   {}
func (NoopDisplayer) DiscoveryFailed(_ error)                {}
func (NoopDisplayer) AuthorizationURL(_ string, _ time.Time) {}
func (NoopDisplayer) CallbackReceived()                      {}
func (NoopDisplayer) Exchanging()                            {}
func (NoopDisplayer) SignedIn()                              {}
func (NoopDisplayer) LoginFailed(_ string, _ bool)           {}
func (NoopDisplayer) Verifying()                             {}
func (NoopDisplayer) VerifyOK(_ string)                      {}
func (NoopDisplayer) VerifyFailed(_ error)                   {}
func (NoopDisplayer) SessionRejected(_ int)                  {}
func (NoopDisplayer) SessionCleared()                        {}
func (NoopDisplayer) Done(_, _ string)                       {}
func (NoopDisplayer) Fatal(_ error)                          {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(preview string) {
	t.p.Send(MsgSessionFound{Preview: preview})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) Discovering(issuer string) {
	t.p.Send(MsgDiscovering{Issuer: issuer})
}

func (t *ProgramDisplayer) DiscoveryFailed(err error) {
	t.p.Send(MsgDiscoveryFailed{Err: err})
}

func (t *ProgramDisplayer) AuthorizationURL(url string, deadline time.Time) {
	t.p.Send(MsgAuthorizationURL{URL: url, Deadline: deadline})
}

func (t *ProgramDisplayer) CallbackReceived() {
	t.p.Send(MsgCallbackReceived{})
}

func (t *ProgramDisplayer) Exchanging() {
	t.p.Send(MsgExchanging{})
}

func (t *ProgramDisplayer) SignedIn() {
	t.p.Send(MsgSignedIn{})
}

func (t *ProgramDisplayer) LoginFailed(message string, fatal bool) {
	t.p.Send(MsgLoginFailed{Message: message, Fatal: fatal})
}

func (t *ProgramDisplayer) Verifying() {
	t.p.Send(MsgVerifying{})
}

func (t *ProgramDisplayer) VerifyOK(body string) {
	t.p.Send(MsgVerifyOK{Body: body})
}

func (t *ProgramDisplayer) VerifyFailed(err error) {
	t.p.Send(MsgVerifyFailed{Err: err})
}

func (t *ProgramDisplayer) SessionRejected(status int) {
	t.p.Send(MsgSessionRejected{Status: status})
}

func (t *ProgramDisplayer) SessionCleared() {
	t.p.Send(MsgSessionCleared{})
}

func (t *ProgramDisplayer) Done(preview, tokenType string) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
