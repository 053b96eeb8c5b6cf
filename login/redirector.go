package login

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/session"
)

// Redirector sends the user back through authorization whenever a request
// reports the session token as rejected. Events arriving while a login is
// already under way are ignored.
type Redirector struct {
	ctrl        *Controller
	sess        Session
	log         zerolog.Logger
	unsubscribe func()

	once sync.Once
}

// NewRedirector subscribes to events until Close is called.
func NewRedirector(events *session.Events, ctrl *Controller, sess Session, log zerolog.Logger) *Redirector {
	r := &Redirector{
		ctrl: ctrl,
		sess: sess,
		log:  log.With().Str("component", "redirector").Logger(),
	}
	r.unsubscribe = events.SubscribeUnauthorized(r.handle)
	return r
}

func (r *Redirector) handle(ev session.UnauthorizedEvent) {
	switch r.ctrl.State().Status {
	case StatusRedirecting, StatusExchanging:
		r.log.Debug().Int("status", ev.Status).Msg("ignoring unauthorized event during login")
		return
	}

	r.log.Warn().Int("status", ev.Status).Err(ev.Reason).Msg("session rejected, signing in again")
	r.sess.Clear()
	r.ctrl.BeginAuthorization(context.Background())
}

// Close stops listening. It is idempotent.
func (r *Redirector) Close() {
	r.once.Do(r.unsubscribe)
}
