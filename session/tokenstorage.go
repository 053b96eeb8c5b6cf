package session

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/storage"
)

// StorageKey is the storage key holding the serialized session token.
const StorageKey = "erm.sessionToken"

// TokenStorage reads and writes the session token record. Storage failures
// are logged and otherwise ignored: the in-memory session stays authoritative
// for the lifetime of the process.
type TokenStorage struct {
	store storage.Storage
	log   zerolog.Logger
}

// NewTokenStorage wraps store.
func NewTokenStorage(store storage.Storage, log zerolog.Logger) *TokenStorage {
	return &TokenStorage{
		store: store,
		log:   log.With().Str("component", "tokenstorage").Logger(),
	}
}

// GetSessionToken returns the stored token, or nil when it is absent or
// unreadable.
func (ts *TokenStorage) GetSessionToken() *Token {
	raw, ok, err := ts.store.Get(StorageKey)
	if err != nil {
		ts.log.Debug().Err(err).Msg("failed to read session token")
		return nil
	}
	if !ok {
		return nil
	}
	return ParseStoredToken(raw)
}

// SetSessionToken stores token, or removes the record when token is nil.
func (ts *TokenStorage) SetSessionToken(token *Token) {
	if token == nil {
		if err := ts.store.Remove(StorageKey); err != nil {
			ts.log.Debug().Err(err).Msg("failed to remove session token")
		}
		return
	}

	data, err := json.Marshal(token)
	if err != nil {
		ts.log.Debug().Err(err).Msg("failed to encode session token")
		return
	}
	if err := ts.store.Set(StorageKey, string(data)); err != nil {
		ts.log.Debug().Err(err).Msg("failed to persist session token")
	}
}

// ParseStoredToken decodes a serialized token record. It returns nil for
// empty input, malformed JSON, or a record without a non-empty accessToken.
func ParseStoredToken(serialized string) *Token {
	if serialized == "" {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(serialized), &fields); err != nil {
		return nil
	}

	accessToken, _ := fields["accessToken"].(string)
	if accessToken == "" {
		return nil
	}
	tokenType, _ := fields["tokenType"].(string)

	return &Token{AccessToken: accessToken, TokenType: tokenType}
}
