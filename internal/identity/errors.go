package identity

import "errors"

// Sentinel errors for lookup and lifecycle failures.
var (
	// ErrNotFound — no identity registered under the DID.
	ErrNotFound = errors.New("identity not found")
	// ErrRevoked — the identity exists but has an active revocation.
	ErrRevoked = errors.New("identity revoked")
)

// ValidationError reports a rejected registration or update input. The
// message is safe to surface to callers.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
