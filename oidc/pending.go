package oidc

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/go-authgate/erm-cli/storage"
)

// PendingStorageKey holds the single in-flight authorization attempt.
const PendingStorageKey = "erm.oidc.pendingAuth"

// PendingAuthorization is the client-side record of an authorization attempt
// that has not been completed yet.
type PendingAuthorization struct {
	CodeVerifier string `json:"codeVerifier"`
	State        string `json:"state"`
}

func readPending(store storage.Storage, log zerolog.Logger) *PendingAuthorization {
	raw, ok, err := store.Get(PendingStorageKey)
	if err != nil {
		log.Debug().Err(err).Msg("failed to read pending authorization")
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var pending PendingAuthorization
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil
	}
	if pending.CodeVerifier == "" || pending.State == "" {
		return nil
	}
	return &pending
}

// persistPending overwrites any earlier record. A failed write is not fatal:
// the exchange will fail later with ErrNoPendingAuthorization.
func persistPending(store storage.Storage, pending PendingAuthorization, log zerolog.Logger) {
	data, err := json.Marshal(pending)
	if err != nil {
		return
	}
	if err := store.Set(PendingStorageKey, string(data)); err != nil {
		log.Warn().Err(err).Msg("failed to persist pending authorization")
	}
}

func clearPending(store storage.Storage, log zerolog.Logger) {
	if err := store.Remove(PendingStorageKey); err != nil {
		log.Debug().Err(err).Msg("failed to clear pending authorization")
	}
}

// clearPendingIf removes the record only while it still equals want, so an
// exchange that lost a race with a newer authorization leaves that one intact.
func clearPendingIf(store storage.Storage, want PendingAuthorization, log zerolog.Logger) {
	current := readPending(store, log)
	if current == nil || *current != want {
		log.Debug().Msg("pending authorization replaced, leaving it in place")
		return
	}
	clearPending(store, log)
}
