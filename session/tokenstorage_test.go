package session

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/erm-cli/storage"
)

// failingStorage simulates storage that is disabled.
type failingStorage struct{}

var errDisabled = errors.New("storage disabled")

func (failingStorage) Get(string) (string, bool, error) { return "", false, errDisabled }
func (failingStorage) Set(string, string) error         { return errDisabled }
func (failingStorage) Remove(string) error              { return errDisabled }
func (failingStorage) OnChange(string, func(storage.Change)) func() {
	return func() {}
}

func TestParseStoredToken(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *Token
	}{
		{name: "empty", raw: "", want: nil},
		{name: "malformed json", raw: "{not json", want: nil},
		{name: "json null", raw: "null", want: nil},
		{name: "missing access token", raw: `{"tokenType":"Bearer"}`, want: nil},
		{name: "empty access token", raw: `{"accessToken":""}`, want: nil},
		{name: "non-string access token", raw: `{"accessToken":42}`, want: nil},
		{name: "access token only", raw: `{"accessToken":"abc"}`, want: &Token{AccessToken: "abc"}},
		{
			name: "with token type",
			raw:  `{"accessToken":"abc","tokenType":"DPoP"}`,
			want: &Token{AccessToken: "abc", TokenType: "DPoP"},
		},
		{
			name: "non-string token type is dropped",
			raw:  `{"accessToken":"abc","tokenType":7}`,
			want: &Token{AccessToken: "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStoredToken(tt.raw))
		})
	}
}

func TestTokenStorage_RoundTrip(t *testing.T) {
	backing := storage.NewMemoryStore()
	ts := NewTokenStorage(backing, zerolog.Nop())

	assert.Nil(t, ts.GetSessionToken())

	ts.SetSessionToken(&Token{AccessToken: "abc", TokenType: "Bearer"})

	raw, ok, err := backing.Get(StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"accessToken":"abc","tokenType":"Bearer"}`, raw)
	assert.Equal(t, &Token{AccessToken: "abc", TokenType: "Bearer"}, ts.GetSessionToken())

	ts.SetSessionToken(nil)
	_, ok, err = backing.Get(StorageKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, ts.GetSessionToken())
}

func TestTokenStorage_SwallowsStorageFailures(t *testing.T) {
	ts := NewTokenStorage(failingStorage{}, zerolog.Nop())

	assert.NotPanics(t, func() {
		ts.SetSessionToken(&Token{AccessToken: "abc"})
		ts.SetSessionToken(nil)
	})
	assert.Nil(t, ts.GetSessionToken())
}

func TestToken_AuthorizationHeader(t *testing.T) {
	assert.Equal(t, "Bearer abc", Token{AccessToken: "abc", TokenType: "Bearer"}.AuthorizationHeader())
	assert.Equal(t, "Bearer abc", Token{AccessToken: "abc"}.AuthorizationHeader())
	assert.Equal(t, "Bearer abc", Token{AccessToken: "abc", TokenType: "   "}.AuthorizationHeader())
	assert.Equal(t, "DPoP abc", Token{AccessToken: "abc", TokenType: " DPoP "}.AuthorizationHeader())
}

func TestToken_ValidOnNil(t *testing.T) {
	var signedOut *Token
	assert.False(t, signedOut.Valid())
	assert.False(t, (&Token{}).Valid())
	assert.True(t, (&Token{AccessToken: "abc"}).Valid())
}

func TestToken_Preview(t *testing.T) {
	assert.Equal(t, "***", Token{AccessToken: "abc"}.Preview())
	assert.Equal(t, "abcdefghijkl...", Token{AccessToken: "abcdefghijklmnop"}.Preview())
}
