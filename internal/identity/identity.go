// Package identity verifies the credential presented during the client
// hello handshake and resolves it to a stable user identity.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned when a presented token is malformed,
// expired, or signed for another project. Callers must treat it as a
// terminal authentication failure, not a transient error.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Identity is the resolved principal behind a verified credential.
type Identity struct {
	// UserID is the stable subject identifier sessions are keyed on.
	UserID string

	// Email is informational and may be empty.
	Email string
}

// Verifier resolves a raw bearer token to an [Identity].
type Verifier interface {
	// Verify validates token and returns the identity it asserts.
	// Implementations return [ErrInvalidCredential] (possibly wrapped)
	// for any token that must be rejected.
	Verify(ctx context.Context, token string) (*Identity, error)
}
