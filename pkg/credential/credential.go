// Package credential persists the opaque bearer token that authenticates API calls.
//
// A [Store] distinguishes between a token that is absent ([ErrAbsent]) and a failure to read
// storage (*[protocol.StorageError]). Whether a stored token is still accepted by the server is
// not decided here: only a live request can answer that.
package credential

import (
	"context"
	"errors"
	"strings"
)

// ErrAbsent is returned by [Store.Load] when no token has been persisted.
var ErrAbsent = errors.New("no stored credential")

// Credential is an opaque bearer token.
type Credential string

// IsZero returns true if c holds no token.
func (c Credential) IsZero() bool {
	return strings.TrimSpace(string(c)) == ""
}

// String redacts the token so it can be logged.
func (c Credential) String() string {
	if len(c) <= 8 {
		return strings.Repeat("*", len(c))
	}
	return string(c[:4]) + strings.Repeat("*", len(c)-4)
}

// Store reads and writes a single persisted Credential.
//
//go:generate mockgen -destination=../../mocks/credential_store.go -package=mocks github.com/fdfe-tools/market-session/pkg/credential Store
type Store interface {
	// Load returns the persisted Credential, or ErrAbsent if there isn't one.
	Load(ctx context.Context) (Credential, error)
	// Save replaces the persisted Credential. Concurrent readers observe either the old or the
	// new token, never a partial write.
	Save(ctx context.Context, token Credential) error
	// Invalidate deletes the persisted Credential. Deleting an absent Credential is not an error.
	Invalidate(ctx context.Context) error
}
