package session

import (
	"net/http"
	"sync"
)

// UnauthorizedEvent reports that the token in use was rejected.
type UnauthorizedEvent struct {
	Status int
	Reason error
}

// Events is the unauthorized channel. It is independent of token change
// notifications: it says the token we had is no longer valid, not that the
// token changed.
type Events struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(UnauthorizedEvent)
}

// NewEvents creates an unauthorized channel with no subscribers.
func NewEvents() *Events {
	return &Events{subs: make(map[int]func(UnauthorizedEvent))}
}

// PublishUnauthorized delivers ev to every current subscriber. A zero status
// is reported as 401.
func (e *Events) PublishUnauthorized(ev UnauthorizedEvent) {
	if ev.Status == 0 {
		ev.Status = http.StatusUnauthorized
	}

	e.mu.Lock()
	fns := make([]func(UnauthorizedEvent), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// SubscribeUnauthorized registers fn and returns a function removing it.
func (e *Events) SubscribeUnauthorized(fn func(UnauthorizedEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}
