package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/storage"
)

// SyncStorageKey is written and immediately removed on every mutation so that
// other processes sharing the storage are told to re-read the token.
const SyncStorageKey = StorageKey + ".sync"

// ErrEmptyAccessToken is returned when persisting a token without an access token.
var ErrEmptyAccessToken = errors.New("session token has an empty access token")

type syncRecord struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the in-memory session for the running process and the single
// source of truth consulted by outbound requests.
type Store struct {
	tokens  *TokenStorage
	log     zerolog.Logger
	now     func() time.Time
	unwatch []func()

	mu     sync.RWMutex
	token  *Token
	nextID int
	subs   map[int]func(*Token)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log.With().Str("component", "session").Logger()
	}
}

// WithClock overrides the clock used for sync records.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore hydrates the session from tokens and starts listening for changes
// made by other processes. It performs no network calls.
func NewStore(tokens *TokenStorage, opts ...StoreOption) *Store {
	s := &Store{
		tokens: tokens,
		log:    zerolog.Nop(),
		now:    time.Now,
		subs:   make(map[int]func(*Token)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.token = tokens.GetSessionToken()

	onChange := func(c storage.Change) {
		s.log.Debug().Str("key", c.Key).Msg("storage changed in another process")
		s.reload()
	}
	s.unwatch = []func(){
		tokens.store.OnChange(StorageKey, onChange),
		tokens.store.OnChange(SyncStorageKey, onChange),
	}

	return s
}

// Token returns a copy of the current token, or nil when signed out.
func (s *Store) Token() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// Persist makes token the current session. The in-memory value changes before
// Persist returns; subscribers in this process are notified synchronously and
// other processes through storage.
func (s *Store) Persist(token Token) error {
	if token.AccessToken == "" {
		return ErrEmptyAccessToken
	}

	s.mu.Lock()
	s.token = &token
	s.mu.Unlock()

	s.tokens.SetSessionToken(&token)
	s.notifyCrossProcess("persist")
	s.publish(&token)
	return nil
}

// Clear ends the current session in this and every other process.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()

	s.tokens.SetSessionToken(nil)
	s.notifyCrossProcess("clear")
	s.publish(nil)
}

// Subscribe registers fn to receive every session change, local or remote.
// fn receives nil when the session ends.
func (s *Store) Subscribe(fn func(*Token)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Close stops listening for changes from other processes.
func (s *Store) Close() {
	for _, unwatch := range s.unwatch {
		unwatch()
	}
	s.unwatch = nil
}

// ClearOnUnauthorized ends the session whenever events reports the token as
// rejected. It returns a function that stops listening.
func (s *Store) ClearOnUnauthorized(events *Events) func() {
	return events.SubscribeUnauthorized(func(ev UnauthorizedEvent) {
		if s.Token() == nil {
			return
		}
		s.log.Info().Int("status", ev.Status).Msg("session rejected, clearing")
		s.Clear()
	})
}

// reload re-reads the stored token and publishes it when it differs from the
// in-memory one.
func (s *Store) reload() {
	stored := s.tokens.GetSessionToken()

	s.mu.Lock()
	if sameToken(s.token, stored) {
		s.mu.Unlock()
		return
	}
	s.token = stored
	s.mu.Unlock()

	s.publish(stored)
}

func (s *Store) notifyCrossProcess(action string) {
	data, err := json.Marshal(syncRecord{Action: action, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return
	}
	if err := s.tokens.store.Set(SyncStorageKey, string(data)); err != nil {
		s.log.Debug().Err(err).Msg("failed to write sync record")
		return
	}
	if err := s.tokens.store.Remove(SyncStorageKey); err != nil {
		s.log.Debug().Err(err).Msg("failed to remove sync record")
	}
}

func (s *Store) publish(token *Token) {
	s.mu.RLock()
	fns := make([]func(*Token), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		if token == nil {
			fn(nil)
			continue
		}
		t := *token
		fn(&t)
	}
}

func sameToken(a, b *Token) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
