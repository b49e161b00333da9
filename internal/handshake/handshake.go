// Package handshake implements the mutual challenge-response protocol
// agents run before collaborating. Either side may initiate; a successful
// exchange proves the peer controls the key its DID was registered with,
// meets the caller's trust bar, and has not been revoked.
package handshake

import (
	"fmt"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/pkg/did"
)

const (
	// DefaultChallengeTTL is how long an issued challenge stays answerable.
	DefaultChallengeTTL = 120 * time.Second

	// MaxClockSkew bounds the accepted difference between peer clocks.
	MaxClockSkew = 60 * time.Second

	// DefaultTimeout caps a full handshake round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultResultTTL is the cache lifetime of a verified result.
	DefaultResultTTL = 900 * time.Second

	// DefaultFailureTTL is the cache lifetime of a failed result. Kept
	// short so a recovering peer is retried quickly.
	DefaultFailureTTL = 60 * time.Second

	// DefaultRequiredTrustScore is the bar a responder must clear when the
	// caller does not state one.
	DefaultRequiredTrustScore = 400.0

	nonceBytes = 16
)

// Challenge opens a handshake. The nonce is at least 128 bits of entropy.
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	Timestamp   time.Time `json:"timestamp"`
	ExpiresIn   int       `json:"expires_in_seconds"`
}

// Expired reports whether the challenge can no longer be answered.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.Timestamp.Add(time.Duration(c.ExpiresIn) * time.Second))
}

// Response answers a challenge. Signature covers
// "challenge_id:responder_nonce:initiator_nonce" signed with the
// responder's private key.
type Response struct {
	ChallengeID   string    `json:"challenge_id"`
	ResponseNonce string    `json:"response_nonce"`
	AgentDID      did.DID   `json:"agent_did"`
	Capabilities  []string  `json:"capabilities"`
	TrustScore    float64   `json:"trust_score"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
	Timestamp     time.Time `json:"timestamp"`
}

// Result is the initiator's verdict on a peer.
type Result struct {
	Verified        bool      `json:"verified"`
	PeerDID         did.DID   `json:"peer_did"`
	TrustScore      float64   `json:"trust_score"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	LatencyMS       float64   `json:"latency_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Requirements states what the initiator demands of a peer.
type Requirements struct {
	RequiredTrustScore   float64
	RequiredCapabilities []string
}

// LocalAgent is the responder's own material: who it is, what it can do,
// its current score, and the key it signs with.
type LocalAgent struct {
	DID          did.DID
	Capabilities []string
	TrustScore   float64
	Signer       crypto.Signer
}

// signingPayload is the exact byte string both sides sign and verify.
func signingPayload(challengeID, responderNonce, initiatorNonce string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", challengeID, responderNonce, initiatorNonce))
}

func withinSkew(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= MaxClockSkew
}
