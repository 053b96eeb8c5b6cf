package tui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(t *testing.T, m Model, msg any) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model
}

func TestModel_LoginLifecycle(t *testing.T) {
	m := NewModel()
	assert.Equal(t, stateInit, m.state)
	assert.Contains(t, m.viewMain(), "Starting login flow")

	m = update(t, m, MsgSessionNotFound{})
	m = update(t, m, MsgAuthorizationURL{
		URL:      "https://auth.example.com/authorize?client_id=client",
		Deadline: time.Now().Add(5 * time.Minute),
	})
	assert.Equal(t, stateRedirecting, m.state)
	assert.Contains(t, m.viewMain(), "https://auth.example.com/authorize?client_id=client")
	assert.Contains(t, m.viewMain(), "remaining")

	m = update(t, m, MsgCallbackReceived{})
	m = update(t, m, MsgExchanging{})
	assert.Equal(t, stateExchanging, m.state)
	assert.Contains(t, m.viewMain(), "Completing login")

	m = update(t, m, MsgSignedIn{})
	m = update(t, m, MsgDone{Preview: "eyJhbGciOiJS...", TokenType: "Bearer"})
	assert.Equal(t, stateSuccess, m.state)

	view := m.viewSuccess()
	assert.Contains(t, view, "eyJhbGciOiJS...")
	assert.Contains(t, view, "Bearer")
	assert.Contains(t, view, "Authorization response received")
}

func TestModel_LoginFailed(t *testing.T) {
	m := update(t, NewModel(), MsgLoginFailed{Message: "User declined"})
	assert.Equal(t, stateError, m.state)
	assert.Contains(t, m.viewError(), "User declined")
	assert.Contains(t, m.viewError(), "again to retry")

	m = update(t, NewModel(), MsgFatal{Err: errors.New("missing OIDC_CLIENT_ID")})
	assert.Contains(t, m.viewError(), "missing OIDC_CLIENT_ID")
	assert.NotContains(t, m.viewError(), "again to retry")
}

func TestModel_TickStopsOutsideRedirect(t *testing.T) {
	m := update(t, NewModel(), MsgExchanging{})
	_, cmd := m.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd)
}

func TestPlainDisplayer(t *testing.T) {
	var buf bytes.Buffer
	d := NewPlainDisplayer(&buf)

	d.Banner()
	d.AuthorizationURL("https://auth.example.com/authorize", time.Time{})
	d.LoginFailed("User declined", false)
	d.Done("abc...", "Bearer")

	out := buf.String()
	assert.Contains(t, out, "https://auth.example.com/authorize")
	assert.NotContains(t, out, "Waiting up to")
	assert.Contains(t, out, "Login failed: User declined")
	assert.Contains(t, out, "Token Type: Bearer")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", formatDuration(0))
	assert.Equal(t, "0s", formatDuration(-time.Second))
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
}

var _ Displayer = NoopDisplayer{}
var _ Displayer = (*PlainDisplayer)(nil)
var _ Displayer = (*ProgramDisplayer)(nil)
