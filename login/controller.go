// Package login drives the interactive sign-in lifecycle: it sends the user
// to the authorization server, completes the callback and keeps the session
// store in step.
package login

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/oidc"
	"github.com/go-authgate/erm-cli/session"
)

// Status is a step of the login lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusRedirecting
	StatusExchanging
	StatusAuthenticated
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRedirecting:
		return "redirecting"
	case StatusExchanging:
		return "exchanging"
	case StatusAuthenticated:
		return "authenticated"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the controller.
type State struct {
	Status Status
	// Message is set in StatusError.
	Message string
	// Fatal errors cannot be retried without fixing the configuration.
	Fatal bool
	// AuthorizationURL is the last URL the user was sent to.
	AuthorizationURL string
}

// Authorizer runs the PKCE flow. *oidc.Client satisfies it.
type Authorizer interface {
	InitiateAuthorization() (*oidc.AuthorizationRequest, error)
	ExchangeCodeForToken(ctx context.Context, opts oidc.ExchangeOptions) (session.Token, error)
	ClearPendingAuthorization()
}

// Session is the token holder. *session.Store satisfies it.
type Session interface {
	Token() *session.Token
	Persist(token session.Token) error
	Clear()
}

// Navigator moves the user between locations.
type Navigator interface {
	// Assign sends the user to an external URL.
	Assign(rawURL string)
	// Replace swaps the current location without adding a history entry.
	Replace(location *url.URL)
}

// Options configures a Controller.
type Options struct {
	// Authorizer is nil when the OIDC client could not be built; SetupErr
	// then says why.
	Authorizer Authorizer
	SetupErr   error
	Session    Session
	Navigator  Navigator
	Logger     zerolog.Logger
}

const defaultSetupMessage = "OIDC configuration is not available."

// Controller is the login state machine. Sync is called with the current
// location whenever it changes; a code exchange started by one Sync is
// abandoned as soon as another Sync, BeginAuthorization, Logout or Close
// supersedes it.
type Controller struct {
	auth     Authorizer
	setupErr error
	sess     Session
	nav      Navigator
	log      zerolog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	closed bool
	nextID int
	subs   map[int]func(State)

	inflight sync.WaitGroup
}

// New creates a controller in the idle state, or authenticated when the
// session already holds a token.
func New(opts Options) *Controller {
	c := &Controller{
		auth:     opts.Authorizer,
		setupErr: opts.SetupErr,
		sess:     opts.Session,
		nav:      opts.Navigator,
		log:      opts.Logger.With().Str("component", "login").Logger(),
		subs:     make(map[int]func(State)),
	}
	if c.auth == nil && c.setupErr == nil {
		c.setupErr = errors.New(defaultSetupMessage)
	}
	if c.sess.Token().Valid() {
		c.state.Status = StatusAuthenticated
	}
	return c
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change and returns a function
// removing it. fn runs on the goroutine that made the change.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Sync reacts to the current location.
//
// Callback errors end in StatusError. A code starts an asynchronous exchange
// (StatusExchanging). Without callback parameters the user is sent to the
// authorization server when there is no session, and is authenticated
// otherwise.
func (c *Controller) Sync(ctx context.Context, location *url.URL) {
	gen, ok := c.supersede()
	if !ok {
		return
	}

	if c.auth == nil {
		c.fail(gen, c.setupErr.Error(), true)
		return
	}

	cb := ParseCallback(location)
	switch {
	case cb.Error != "":
		c.auth.ClearPendingAuthorization()
		c.log.Info().Str("error", cb.Error).Msg("authorization server returned an error")
		c.fail(gen, cb.Message(), false)
	case cb.Code != "":
		c.exchange(ctx, gen, cb, location)
	case !c.sess.Token().Valid():
		c.redirect(gen)
	default:
		c.transition(gen, State{Status: StatusAuthenticated})
	}
}

// BeginAuthorization abandons any in-flight exchange and sends the user to
// the authorization server. It is the retry action of StatusError.
func (c *Controller) BeginAuthorization(context.Context) {
	gen, ok := c.supersede()
	if !ok {
		return
	}
	if c.auth == nil {
		c.fail(gen, c.setupErr.Error(), true)
		return
	}
	c.redirect(gen)
}

// Logout clears the session, passes through idle and starts a new
// authorization.
func (c *Controller) Logout(ctx context.Context) {
	gen, ok := c.supersede()
	if !ok {
		return
	}
	c.sess.Clear()
	c.transition(gen, State{Status: StatusIdle})
	c.BeginAuthorization(ctx)
}

// Wait blocks until no exchange is in flight.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close abandons any in-flight exchange, waits for it to return and stops
// the controller. Later calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.subs = make(map[int]func(State))
	c.mu.Unlock()

	c.inflight.Wait()
}

// supersede starts a new generation, cancelling the previous exchange.
func (c *Controller) supersede() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return c.gen, true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}

func (c *Controller) redirect(gen uint64) {
	if !c.transition(gen, State{Status: StatusRedirecting}) {
		return
	}

	req, err := c.auth.InitiateAuthorization()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to start authorization")
		c.fail(gen, err.Error(), false)
		return
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state.AuthorizationURL = req.URL
	c.mu.Unlock()

	c.nav.Assign(req.URL)
}

func (c *Controller) exchange(ctx context.Context, gen uint64, cb Callback, location *url.URL) {
	exCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.inflight.Add(1)
	c.mu.Unlock()

	c.transition(gen, State{Status: StatusExchanging})

	go func() {
		defer c.inflight.Done()
		defer cancel()

		token, err := c.auth.ExchangeCodeForToken(exCtx, oidc.ExchangeOptions{
			Code:  cb.Code,
			State: cb.State,
		})
		if !c.current(gen) {
			c.log.Debug().Msg("discarding superseded code exchange")
			return
		}
		c.auth.ClearPendingAuthorization()

		if err != nil {
			c.log.Warn().Err(err).Msg("code exchange failed")
			c.fail(gen, err.Error(), false)
			return
		}

		if err := c.sess.Persist(token); err != nil {
			c.fail(gen, err.Error(), false)
			return
		}
		c.log.Info().Str("token", token.Preview()).Msg("signed in")

		if c.transition(gen, State{Status: StatusAuthenticated}) {
			c.nav.Replace(stripCallback(location))
		}
	}()
}

func (c *Controller) fail(gen uint64, message string, fatal bool) {
	c.transition(gen, State{Status: StatusError, Message: message, Fatal: fatal})
}

// transition applies next if gen is still current and notifies subscribers.
func (c *Controller) transition(gen uint64, next State) bool {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = next
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.log.Debug().Str("status", next.Status.String()).Msg("login state changed")
	for _, fn := range fns {
		fn(next)
	}
	return true
}
