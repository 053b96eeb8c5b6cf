// Package storage provides the tab-scoped key/value stores that back the
// session token and the pending authorization record.
//
// A "tab" is one running process. Stores report changes made by other tabs
// through OnChange, the way browser storage events do: a tab is never told
// about its own writes.
package storage

import "errors"

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage is closed")

// Change describes a key that was written or removed by another tab.
// A nil NewValue means the key was removed.
type Change struct {
	Key      string
	OldValue *string
	NewValue *string
}

// Storage is a string key/value store shared by every tab of the same user.
type Storage interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	// OnChange registers fn for changes to key made by other tabs.
	// The returned function removes the registration.
	OnChange(key string, fn func(Change)) (unsubscribe func())
}

func strPtr(s string) *string {
	return &s
}
