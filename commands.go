package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/erm-cli/graphql"
	"github.com/go-authgate/erm-cli/login"
	"github.com/go-authgate/erm-cli/session"
	"github.com/go-authgate/erm-cli/tui"
)

var (
	// ErrCallbackTimeout means the browser never came back to the redirect URI.
	ErrCallbackTimeout = errors.New("timed out waiting for the authorization redirect")
	// ErrSessionRejected means the API refused a freshly obtained session.
	ErrSessionRejected = errors.New("the session was rejected by the API")
)

type loginOptions struct {
	discover    bool
	verify      bool
	verifyQuery string
	timeout     time.Duration
}

// runLogin signs the user in. It serves the redirect URI on a loopback
// listener while the controller sends the user to the authorization server,
// then optionally checks the session against the GraphQL API. A session the
// API rejects is cleared and the user is sent through authorization once more.
func runLogin(ctx context.Context, a *app, d tui.Displayer, opts loginOptions) error {
	if tok := a.session.Token(); tok.Valid() {
		d.SessionFound(tok.Preview())
	} else {
		d.SessionNotFound()
	}

	client, cfg, setupErr := a.oidcClient(ctx, opts.discover, d)

	nav := &terminalNavigator{d: d, timeout: opts.timeout, log: a.log}
	ctrlOpts := login.Options{
		SetupErr:  setupErr,
		Session:   a.session,
		Navigator: nav,
		Logger:    a.log,
	}
	if client != nil {
		ctrlOpts.Authorizer = client
	}
	ctrl := login.New(ctrlOpts)
	defer ctrl.Close()

	results := make(chan login.State, 8)
	unsubscribe := ctrl.Subscribe(func(st login.State) {
		switch st.Status {
		case login.StatusExchanging:
			d.Exchanging()
		case login.StatusAuthenticated, login.StatusError:
			select {
			case results <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	if setupErr != nil {
		ctrl.Sync(ctx, nil)
		st := ctrl.State()
		d.LoginFailed(st.Message, st.Fatal)
		return setupErr
	}

	var gql *graphql.Client
	if opts.verify {
		var err error
		if gql, err = a.graphQLClient(); err != nil {
			d.Fatal(err)
			return err
		}
	}

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		d.Fatal(err)
		return err
	}
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		err = fmt.Errorf("cannot listen on the redirect URI host %s: %w", redirect.Host, err)
		d.Fatal(err)
		return err
	}

	srv := &http.Server{
		Handler:           newCallbackHandler(ctx, redirect, ctrl, d),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return driveLogin(gctx, a, ctrl, redirect, results, gql, d, opts)
	})
	return g.Wait()
}

func driveLogin(
	ctx context.Context,
	a *app,
	ctrl *login.Controller,
	redirect *url.URL,
	results <-chan login.State,
	gql *graphql.Client,
	d tui.Displayer,
	opts loginOptions,
) error {
	redirector := login.NewRedirector(a.events, ctrl, a.session, a.log)
	defer redirector.Close()
	stopRejected := a.events.SubscribeUnauthorized(func(ev session.UnauthorizedEvent) {
		d.SessionRejected(ev.Status)
	})
	defer stopRejected()

	ctrl.Sync(ctx, redirect)

	reauthorized := false
	for {
		st, err := awaitResult(ctx, results, opts.timeout)
		if err != nil {
			d.Fatal(err)
			return err
		}
		if st.Status == login.StatusError {
			d.LoginFailed(st.Message, st.Fatal)
			return errors.New(st.Message)
		}
		d.SignedIn()

		if gql == nil {
			break
		}
		err = verifySession(ctx, gql, opts.verifyQuery, d)
		if err == nil {
			break
		}
		if graphql.StatusOf(err) != http.StatusUnauthorized || reauthorized {
			d.VerifyFailed(err)
			break
		}
		// The redirector has already cleared the session and started a new
		// authorization; wait for it like the first one.
		reauthorized = true
	}

	tok := a.session.Token()
	if !tok.Valid() {
		d.Fatal(ErrSessionRejected)
		return ErrSessionRejected
	}
	d.Done(tok.Preview(), tok.Scheme())
	return nil
}

func awaitResult(ctx context.Context, results <-chan login.State, timeout time.Duration) (login.State, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case st := <-results:
		return st, nil
	case <-ctx.Done():
		return login.State{}, ctx.Err()
	case <-expired:
		return login.State{}, ErrCallbackTimeout
	}
}

func verifySession(ctx context.Context, gql *graphql.Client, query string, d tui.Displayer) error {
	d.Verifying()

	vctx, cancel := context.WithTimeout(ctx, verificationTimeout)
	defer cancel()

	var data map[string]any
	if err := gql.Decode(vctx, graphql.Request{Query: query}, &data); err != nil {
		return err
	}

	body, err := json.Marshal(data)
	if err != nil {
		body = nil
	}
	d.VerifyOK(string(body))
	return nil
}

// runLogout ends the session. Other processes sharing the session directory
// observe the change.
func runLogout(a *app, d tui.Displayer) error {
	if !a.session.Token().Valid() {
		a.log.Debug().Msg("no session held, clearing anyway")
	}
	a.session.Clear()
	d.SessionCleared()
	return nil
}

func runStatus(a *app, w io.Writer) error {
	tok := a.session.Token()
	if !tok.Valid() {
		fmt.Fprintf(w, "Not signed in (session storage: %s)\n", a.location)
		return nil
	}
	fmt.Fprintf(w, "Signed in: %s %s (session storage: %s)\n", tok.Scheme(), tok.Preview(), a.location)
	return nil
}

// runQuery sends one GraphQL request and prints the response payload as
// indented JSON. A 401 ends the session.
func runQuery(ctx context.Context, a *app, d tui.Displayer, w io.Writer, query, rawVariables string) error {
	if strings.TrimSpace(query) == "" {
		err := fmt.Errorf("%w: pass the document with -q", graphql.ErrMissingQuery)
		d.Fatal(err)
		return err
	}

	var variables map[string]any
	if strings.TrimSpace(rawVariables) != "" {
		if err := json.Unmarshal([]byte(rawVariables), &variables); err != nil {
			err = fmt.Errorf("invalid -vars: %w", err)
			d.Fatal(err)
			return err
		}
	}

	gql, err := a.graphQLClient()
	if err != nil {
		d.Fatal(err)
		return err
	}

	stopClearing := a.session.ClearOnUnauthorized(a.events)
	defer stopClearing()
	stopRejected := a.events.SubscribeUnauthorized(func(ev session.UnauthorizedEvent) {
		d.SessionRejected(ev.Status)
	})
	defer stopRejected()

	a.log.Debug().Str("endpoint", gql.Endpoint()).Msg("sending GraphQL request")
	payload, err := gql.Do(ctx, graphql.Request{Query: query, Variables: variables})
	if err != nil {
		if graphql.StatusOf(err) == http.StatusUnauthorized {
			err = fmt.Errorf("%w; run the login command to sign in again", err)
		}
		d.Fatal(err)
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// runWatch prints every session change until ctx is done.
func runWatch(ctx context.Context, a *app, w io.Writer) error {
	if a.location == "memory" {
		a.log.Warn().Msg("watching an in-memory session only shows changes made by this process")
	}

	printState := func(tok *session.Token) {
		ts := time.Now().Format(time.TimeOnly)
		if !tok.Valid() {
			fmt.Fprintf(w, "%s signed out\n", ts)
			return
		}
		fmt.Fprintf(w, "%s signed in: %s\n", ts, tok.Preview())
	}

	printState(a.session.Token())
	unsubscribe := a.session.Subscribe(printState)
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
