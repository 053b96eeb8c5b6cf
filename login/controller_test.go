package login

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/erm-cli/config"
	"github.com/go-authgate/erm-cli/oidc"
	"github.com/go-authgate/erm-cli/session"
	"github.com/go-authgate/erm-cli/storage"
)

type recordingNavigator struct {
	mu       sync.Mutex
	assigned []string
	replaced []*url.URL
}

func (n *recordingNavigator) Assign(rawURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, rawURL)
}

func (n *recordingNavigator) Replace(location *url.URL) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaced = append(n.replaced, location)
}

func (n *recordingNavigator) Assigned() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.assigned...)
}

func (n *recordingNavigator) Replaced() []*url.URL {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*url.URL(nil), n.replaced...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s.Status)
}

func (r *statusRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type fixture struct {
	ctrl   *Controller
	client *oidc.Client
	store  *session.Store
	nav    *recordingNavigator
	calls  *atomic.Int32
	seen   *statusRecorder
}

// newFixture wires a controller to a real OIDC client whose token endpoint
// answers with status and body.
func newFixture(t *testing.T, status int, body string) *fixture {
	t.Helper()

	calls := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	backing := storage.NewMemoryStore()
	client, err := oidc.NewClient(config.OIDC{
		ClientID:              "client",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         server.URL,
		RedirectURI:           "http://127.0.0.1:8765/login",
		Scope:                 "openid",
		Issuer:                "https://auth.example.com",
	}, backing)
	require.NoError(t, err)

	store := session.NewStore(session.NewTokenStorage(backing, zerolog.Nop()))
	t.Cleanup(store.Close)

	nav := &recordingNavigator{}
	ctrl := New(Options{Authorizer: client, Session: store, Navigator: nav})
	t.Cleanup(ctrl.Close)

	seen := &statusRecorder{}
	ctrl.Subscribe(seen.record)

	return &fixture{ctrl: ctrl, client: client, store: store, nav: nav, calls: calls, seen: seen}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestController_EndToEndLogin(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"tok123"}`)
	ctx := context.Background()

	assert.Equal(t, StatusIdle, f.ctrl.State().Status)

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login"))
	require.Equal(t, StatusRedirecting, f.ctrl.State().Status)

	assigned := f.nav.Assigned()
	require.Len(t, assigned, 1)
	authURL := mustURL(t, assigned[0])
	q := authURL.Query()
	assert.Equal(t, "client", q.Get("client_id"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, assigned[0], f.ctrl.State().AuthorizationURL)

	callback := mustURL(t, "http://127.0.0.1:8765/login?code=abc&state="+url.QueryEscape(q.Get("state")))
	f.ctrl.Sync(ctx, callback)
	f.ctrl.Wait()

	assert.Equal(t, StatusAuthenticated, f.ctrl.State().Status)
	require.NotNil(t, f.store.Token())
	assert.Equal(t, "tok123", f.store.Token().AccessToken)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Nil(t, f.client.GetPendingAuthorization())

	replaced := f.nav.Replaced()
	require.Len(t, replaced, 1)
	assert.Equal(t, "/login", replaced[0].Path)
	assert.Empty(t, replaced[0].RawQuery)

	assert.Equal(t,
		[]Status{StatusRedirecting, StatusExchanging, StatusAuthenticated},
		f.seen.Statuses(),
	)

	// The stripped location does not replay the exchange.
	f.ctrl.Sync(ctx, replaced[0])
	f.ctrl.Wait()
	assert.Equal(t, StatusAuthenticated, f.ctrl.State().Status)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestController_CallbackInFragment(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"tok123","token_type":"Bearer"}`)
	ctx := context.Background()

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login"))
	state := f.client.GetPendingAuthorization().State

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login#code=abc&state="+url.QueryEscape(state)))
	f.ctrl.Wait()

	assert.Equal(t, StatusAuthenticated, f.ctrl.State().Status)
	assert.Equal(t, "Bearer tok123", f.store.Token().AuthorizationHeader())
	assert.Empty(t, f.nav.Replaced()[0].Fragment)
}

func TestController_CallbackErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		message string
	}{
		{"description", "error=access_denied&error_description=User+declined", "User declined"},
		{"code only", "error=access_denied", "Login failed: access_denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, http.StatusOK, `{"access_token":"tok123"}`)
			_, err := f.client.InitiateAuthorization()
			require.NoError(t, err)

			f.ctrl.Sync(context.Background(), mustURL(t, "http://127.0.0.1:8765/login?"+tt.query))
			f.ctrl.Wait()

			st := f.ctrl.State()
			assert.Equal(t, StatusError, st.Status)
			assert.Equal(t, tt.message, st.Message)
			assert.False(t, st.Fatal)
			assert.Equal(t, int32(0), f.calls.Load(), "token endpoint must not be called")
			assert.Nil(t, f.client.GetPendingAuthorization())
			assert.Equal(t, []Status{StatusError}, f.seen.Statuses())
		})
	}
}

func TestController_ExchangeFailureThenRetry(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Code expired"}`)
	ctx := context.Background()

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login"))
	state := f.client.GetPendingAuthorization().State

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login?code=abc&state="+state))
	f.ctrl.Wait()

	st := f.ctrl.State()
	require.Equal(t, StatusError, st.Status)
	assert.Equal(t, "invalid_grant: Code expired", st.Message)
	assert.Nil(t, f.store.Token())
	assert.Nil(t, f.client.GetPendingAuthorization())
	assert.Empty(t, f.nav.Replaced())

	f.ctrl.BeginAuthorization(ctx)
	assert.Equal(t, StatusRedirecting, f.ctrl.State().Status)
	assert.Len(t, f.nav.Assigned(), 2)
	assert.NotNil(t, f.client.GetPendingAuthorization())
}

func TestController_StateMismatch(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"tok123"}`)
	ctx := context.Background()

	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login"))
	f.ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login?code=abc&state=forged"))
	f.ctrl.Wait()

	st := f.ctrl.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, oidc.ErrStateMismatch.Error(), st.Message)
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Nil(t, f.store.Token())
}

func TestController_ExistingSessionIsAuthenticated(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	require.NoError(t, f.store.Persist(session.Token{AccessToken: "existing"}))

	f.ctrl.Sync(context.Background(), mustURL(t, "http://127.0.0.1:8765/login"))

	assert.Equal(t, StatusAuthenticated, f.ctrl.State().Status)
	assert.Empty(t, f.nav.Assigned())
}

func TestController_StartsAuthenticatedWithHydratedSession(t *testing.T) {
	store := session.NewStore(session.NewTokenStorage(storage.NewMemoryStore(), zerolog.Nop()))
	require.NoError(t, store.Persist(session.Token{AccessToken: "existing"}))

	ctrl := New(Options{Authorizer: &blockingAuthorizer{}, Session: store, Navigator: &recordingNavigator{}})
	defer ctrl.Close()
	assert.Equal(t, StatusAuthenticated, ctrl.State().Status)
}

func TestController_SetupErrorIsFatal(t *testing.T) {
	store := session.NewStore(session.NewTokenStorage(storage.NewMemoryStore(), zerolog.Nop()))
	nav := &recordingNavigator{}
	setupErr := errors.New("missing required OIDC configuration value for OIDC_CLIENT_ID")

	ctrl := New(Options{SetupErr: setupErr, Session: store, Navigator: nav})
	defer ctrl.Close()

	ctrl.Sync(context.Background(), mustURL(t, "http://127.0.0.1:8765/login?code=abc"))
	st := ctrl.State()
	assert.Equal(t, StatusError, st.Status)
	assert.True(t, st.Fatal)
	assert.Equal(t, setupErr.Error(), st.Message)

	ctrl.BeginAuthorization(context.Background())
	assert.Equal(t, StatusError, ctrl.State().Status)
	assert.Empty(t, nav.Assigned())
}

func TestController_SetupErrorDefaultMessage(t *testing.T) {
	store := session.NewStore(session.NewTokenStorage(storage.NewMemoryStore(), zerolog.Nop()))
	ctrl := New(Options{Session: store, Navigator: &recordingNavigator{}})
	defer ctrl.Close()

	ctrl.Sync(context.Background(), mustURL(t, "/login"))
	assert.Equal(t, "OIDC configuration is not available.", ctrl.State().Message)
}

func TestController_InitiateFailure(t *testing.T) {
	store := session.NewStore(session.NewTokenStorage(storage.NewMemoryStore(), zerolog.Nop()))
	auth := &blockingAuthorizer{initErr: oidc.ErrRandomSource}
	ctrl := New(Options{Authorizer: auth, Session: store, Navigator: &recordingNavigator{}})
	defer ctrl.Close()

	ctrl.Sync(context.Background(), mustURL(t, "/login"))
	st := ctrl.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, oidc.ErrRandomSource.Error(), st.Message)
	assert.False(t, st.Fatal)
}

func TestController_Logout(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	require.NoError(t, f.store.Persist(session.Token{AccessToken: "existing"}))
	f.ctrl.Sync(context.Background(), mustURL(t, "/login"))

	f.ctrl.Logout(context.Background())

	assert.Nil(t, f.store.Token())
	assert.Equal(t, StatusRedirecting, f.ctrl.State().Status)
	assert.Len(t, f.nav.Assigned(), 1)
	assert.Equal(t,
		[]Status{StatusAuthenticated, StatusIdle, StatusRedirecting},
		f.seen.Statuses(),
	)
}

// blockingAuthorizer holds every exchange until release is closed.
type blockingAuthorizer struct {
	initErr error
	release chan struct{}
	started chan struct{}
	cleared atomic.Int32
}

func (a *blockingAuthorizer) InitiateAuthorization() (*oidc.AuthorizationRequest, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	return &oidc.AuthorizationRequest{URL: "https://auth.example.com/authorize?state=s", State: "s"}, nil
}

func (a *blockingAuthorizer) ExchangeCodeForToken(ctx context.Context, _ oidc.ExchangeOptions) (session.Token, error) {
	close(a.started)
	select {
	case <-a.release:
		return session.Token{AccessToken: "late"}, nil
	case <-ctx.Done():
		return session.Token{}, ctx.Err()
	}
}

func (a *blockingAuthorizer) ClearPendingAuthorization() {
	a.cleared.Add(1)
}

func newBlockingController(t *testing.T) (*Controller, *blockingAuthorizer, *session.Store) {
	t.Helper()
	store := session.NewStore(session.NewTokenStorage(storage.NewMemoryStore(), zerolog.Nop()))
	t.Cleanup(store.Close)
	auth := &blockingAuthorizer{release: make(chan struct{}), started: make(chan struct{})}
	ctrl := New(Options{Authorizer: auth, Session: store, Navigator: &recordingNavigator{}})
	return ctrl, auth, store
}

func TestController_CloseCancelsExchange(t *testing.T) {
	ctrl, auth, store := newBlockingController(t)

	ctrl.Sync(context.Background(), mustURL(t, "/login?code=abc&state=s"))
	<-auth.started
	assert.Equal(t, StatusExchanging, ctrl.State().Status)

	ctrl.Close()

	assert.Nil(t, store.Token(), "a cancelled exchange never persists a token")
	assert.Equal(t, StatusExchanging, ctrl.State().Status)
	assert.Equal(t, int32(0), auth.cleared.Load())

	// Closed controllers ignore further input.
	ctrl.Sync(context.Background(), mustURL(t, "/login?error=access_denied"))
	assert.Equal(t, StatusExchanging, ctrl.State().Status)
}

func TestController_SupersededExchangeIsIgnored(t *testing.T) {
	ctrl, auth, store := newBlockingController(t)
	defer ctrl.Close()

	ctrl.Sync(context.Background(), mustURL(t, "/login?code=abc&state=s"))
	<-auth.started

	ctrl.Sync(context.Background(), mustURL(t, "/login?error=access_denied&error_description=Changed"))
	ctrl.Wait()

	st := ctrl.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "Changed", st.Message)
	assert.Nil(t, store.Token())
}

func TestController_ParentContextCancelled(t *testing.T) {
	ctrl, auth, store := newBlockingController(t)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Sync(ctx, mustURL(t, "/login?code=abc&state=s"))
	<-auth.started
	cancel()
	ctrl.Wait()

	st := ctrl.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, context.Canceled.Error(), st.Message)
	assert.Nil(t, store.Token())
	assert.Equal(t, int32(1), auth.cleared.Load())
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func TestController_RetryDuringExchangeCompletes(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-r.Context().Done()
			return nil, r.Context().Err()
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"access_token":"fresh"}`)),
		}, nil
	})

	backing := storage.NewMemoryStore()
	client, err := oidc.NewClient(config.OIDC{
		ClientID:              "client",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		RedirectURI:           "http://127.0.0.1:8765/login",
		Scope:                 "openid",
		Issuer:                "https://auth.example.com",
	}, backing, oidc.WithHTTPClient(doer))
	require.NoError(t, err)

	store := session.NewStore(session.NewTokenStorage(backing, zerolog.Nop()))
	t.Cleanup(store.Close)
	nav := &recordingNavigator{}
	ctrl := New(Options{Authorizer: client, Session: store, Navigator: nav})
	t.Cleanup(ctrl.Close)
	ctx := context.Background()

	ctrl.BeginAuthorization(ctx)
	first := mustURL(t, nav.Assigned()[0]).Query().Get("state")
	ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login?code=a&state="+url.QueryEscape(first)))
	<-started

	ctrl.BeginAuthorization(ctx)
	ctrl.Wait()

	require.Equal(t, StatusRedirecting, ctrl.State().Status)
	require.Len(t, nav.Assigned(), 2)
	second := mustURL(t, nav.Assigned()[1]).Query().Get("state")
	pending := client.GetPendingAuthorization()
	require.NotNil(t, pending, "retry must keep its pending authorization")
	assert.Equal(t, second, pending.State)

	ctrl.Sync(ctx, mustURL(t, "http://127.0.0.1:8765/login?code=b&state="+url.QueryEscape(second)))
	ctrl.Wait()

	st := ctrl.State()
	require.Equal(t, StatusAuthenticated, st.Status, st.Message)
	assert.Equal(t, "fresh", store.Token().AccessToken)
	assert.Nil(t, client.GetPendingAuthorization())
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "redirecting", StatusRedirecting.String())
	assert.Equal(t, "exchanging", StatusExchanging.String())
	assert.Equal(t, "authenticated", StatusAuthenticated.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", Status(42).String())
}
