package storage

import (
	"sync"
)

// MemoryArea is an in-process storage area shared by any number of views.
// Each view plays the part of one tab.
type MemoryArea struct {
	mu     sync.Mutex
	values map[string]string
	views  map[*MemoryStore]struct{}
}

// NewMemoryArea creates an empty shared area.
func NewMemoryArea() *MemoryArea {
	return &MemoryArea{
		values: make(map[string]string),
		views:  make(map[*MemoryStore]struct{}),
	}
}

// View returns a new tab-scoped store over the area.
func (a *MemoryArea) View() *MemoryStore {
	s := &MemoryStore{
		area:      a,
		listeners: make(map[string]map[int]func(Change)),
	}
	a.mu.Lock()
	a.views[s] = struct{}{}
	a.mu.Unlock()
	return s
}

// NewMemoryStore returns a single view over a private area.
func NewMemoryStore() *MemoryStore {
	return NewMemoryArea().View()
}

func (a *MemoryArea) write(origin *MemoryStore, key string, value *string) error {
	a.mu.Lock()
	if origin.closed {
		a.mu.Unlock()
		return ErrClosed
	}

	var old *string
	if v, ok := a.values[key]; ok {
		old = strPtr(v)
	}
	if value == nil {
		delete(a.values, key)
	} else {
		a.values[key] = *value
	}

	targets := make([]*MemoryStore, 0, len(a.views))
	for view := range a.views {
		if view != origin {
			targets = append(targets, view)
		}
	}
	a.mu.Unlock()

	change := Change{Key: key, OldValue: old, NewValue: value}
	for _, view := range targets {
		view.dispatch(change)
	}
	return nil
}

// MemoryStore is one tab's view of a MemoryArea.
type MemoryStore struct {
	area   *MemoryArea
	closed bool // guarded by area.mu

	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]func(Change)
}

var _ Storage = (*MemoryStore)(nil)

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.area.mu.Lock()
	defer s.area.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.area.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	return s.area.write(s, key, strPtr(value))
}

func (s *MemoryStore) Remove(key string) error {
	return s.area.write(s, key, nil)
}

func (s *MemoryStore) OnChange(key string, fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]func(Change))
	}
	s.listeners[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
	}
}

// Emit delivers change to this view's listeners as if another tab had made it.
// The stored value is not modified.
func (s *MemoryStore) Emit(change Change) {
	s.dispatch(change)
}

// Close detaches the view from its area. Subsequent reads and writes fail.
func (s *MemoryStore) Close() error {
	s.area.mu.Lock()
	s.closed = true
	delete(s.area.views, s)
	s.area.mu.Unlock()
	return nil
}

func (s *MemoryStore) dispatch(change Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners[change.Key]))
	for _, fn := range s.listeners[change.Key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
