// Package credential issues and validates the short-lived bearer tokens
// agents present on mesh operations. Tokens are opaque 256-bit random
// values; possession is the only proof, so lifetimes stay short and
// rotation is first-class.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// TTL bounds. Requests outside the window are clamped, not rejected.
const (
	DefaultTTL = 15 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 24 * time.Hour
)

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// Validation and lookup failures.
var (
	// ErrNotFound — the token or credential ID is unknown.
	ErrNotFound = errors.New("credential not found")
	// ErrExpired — the credential exists but its TTL has elapsed.
	ErrExpired = errors.New("credential expired")
	// ErrRevoked — the credential was revoked before expiry.
	ErrRevoked = errors.New("credential revoked")
)

// ValidationError reports a rejected issue request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Credential is one issued bearer token. Scopes are a snapshot of the
// owner's capabilities at issue time, optionally narrowed by the request.
type Credential struct {
	ID        string    `json:"credential_id"`
	AgentDID  did.DID   `json:"agent_did"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Live reports whether the credential is usable at the given instant.
func (c *Credential) Live(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// ExpiringSoon reports whether the credential is live but within threshold
// of expiry.
func (c *Credential) ExpiringSoon(now time.Time, threshold time.Duration) bool {
	return c.Live(now) && now.Add(threshold).After(c.ExpiresAt)
}

// ClampTTL forces a positive requested TTL into [MinTTL, MaxTTL]. Zero and
// negative TTLs carry their own meaning at issue time and never reach the
// clamp.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	default:
		return ttl
	}
}

// subsetOf reports whether every element of sub appears in super.
func subsetOf(sub, super []string) bool {
	set := make(map[string]bool, len(super))
	for _, s := range super {
		set[s] = true
	}
	for _, s := range sub {
		if !set[s] {
			return false
		}
	}
	return true
}

// scopeError builds the rejection for a scope escalation attempt.
func scopeError(requested []string) error {
	return &ValidationError{Msg: fmt.Sprintf("requested scopes %v exceed owner capabilities", requested)}
}
