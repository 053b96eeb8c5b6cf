package main

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/login"
	"github.com/go-authgate/erm-cli/tui"
)

// terminalNavigator shows authorization URLs instead of opening them and
// remembers the location the controller settled on.
type terminalNavigator struct {
	d       tui.Displayer
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	current *url.URL
}

func (n *terminalNavigator) Assign(rawURL string) {
	var deadline time.Time
	if n.timeout > 0 {
		deadline = time.Now().Add(n.timeout)
	}
	n.d.AuthorizationURL(rawURL, deadline)
}

func (n *terminalNavigator) Replace(location *url.URL) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = location
	n.log.Debug().Str("location", location.String()).Msg("callback parameters cleared")
}

func (n *terminalNavigator) Location() *url.URL {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// callbackPattern is the ServeMux pattern matching exactly the redirect path.
func callbackPattern(redirect *url.URL) string {
	path := redirect.Path
	if path == "" || path == "/" {
		return "GET /{$}"
	}
	return "GET " + path
}

// newCallbackHandler serves the redirect URI. Each request is fed to the
// controller as the current location; the response page reflects the state
// the controller ends in.
func newCallbackHandler(
	ctx context.Context,
	redirect *url.URL,
	ctrl *login.Controller,
	d tui.Displayer,
) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPattern(redirect), func(w http.ResponseWriter, r *http.Request) {
		location := *redirect
		location.RawQuery = r.URL.RawQuery

		d.CallbackReceived()
		ctrl.Sync(ctx, &location)
		ctrl.Wait()

		st := ctrl.State()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")

		switch st.Status {
		case login.StatusAuthenticated:
			w.WriteHeader(http.StatusOK)
			writePage(w, "Signed in", "You are signed in. You can close this window and return to the terminal.")
		case login.StatusError:
			w.WriteHeader(http.StatusBadRequest)
			writePage(w, "Login failed", st.Message)
		default:
			w.WriteHeader(http.StatusAccepted)
			writePage(w, "Signing in", "Continue in the terminal.")
		}
	})
	return mux
}

func writePage(w http.ResponseWriter, title, message string) {
	fmt.Fprintf(w,
		"<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title),
		html.EscapeString(title),
		html.EscapeString(message),
	)
}
