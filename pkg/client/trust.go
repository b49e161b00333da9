package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// Challenge opens a handshake; the peer must answer before it expires.
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	Nonce       string    `json:"nonce"`
	Timestamp   time.Time `json:"timestamp"`
	ExpiresIn   int       `json:"expires_in_seconds"`
}

// HandshakeResponse answers a challenge. Build one with Identity.Respond.
type HandshakeResponse struct {
	ChallengeID   string    `json:"challenge_id"`
	ResponseNonce string    `json:"response_nonce"`
	AgentDID      did.DID   `json:"agent_did"`
	Capabilities  []string  `json:"capabilities"`
	TrustScore    float64   `json:"trust_score"`
	Signature     string    `json:"signature"`
	PublicKey     string    `json:"public_key"`
	Timestamp     time.Time `json:"timestamp"`
}

// HandshakeResult is the control plane's verdict on a peer.
type HandshakeResult struct {
	Verified        bool      `json:"verified"`
	PeerDID         did.DID   `json:"peer_did"`
	TrustScore      float64   `json:"trust_score"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	LatencyMS       float64   `json:"latency_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Requirements states what the initiator demands of a peer. A zero
// RequiredTrustScore falls back to the mesh default bar.
type Requirements struct {
	RequiredTrustScore   float64  `json:"required_trust_score"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// NewChallenge asks the control plane to mint a single-use challenge.
func (c *Client) NewChallenge(ctx context.Context) (*Challenge, error) {
	var out Challenge
	if err := c.doJSON(ctx, http.MethodPost, "/v1/handshake/challenge", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyHandshake submits a peer's response for judgment. A rejected
// peer is not an error: inspect Verified and RejectionReason. Errors
// are reserved for unknown or replayed challenges and transport
// failures.
func (c *Client) VerifyHandshake(ctx context.Context, resp *HandshakeResponse, req Requirements) (*HandshakeResult, error) {
	in := struct {
		Response     *HandshakeResponse `json:"response"`
		Requirements Requirements       `json:"requirements"`
	}{resp, req}
	var out HandshakeResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/handshake/verify", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CachedHandshake returns the control plane's cached verdict for a
// peer. A 404 means no result is live.
func (c *Client) CachedHandshake(ctx context.Context, peer did.DID) (*HandshakeResult, error) {
	var out HandshakeResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/handshake/results/"+url.PathEscape(peer.String()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trust score dimensions accepted by RecordSignal.
const (
	DimCompetence          = "competence"
	DimIntegrity           = "integrity"
	DimAvailability        = "availability"
	DimPredictability      = "predictability"
	DimTransparency        = "transparency"
	DimSecurityPosture     = "security_posture"
	DimCollaborationHealth = "collaboration_health"
)

// Task outcomes accepted by RecordTask.
const (
	TaskSuccess = "success"
	TaskFailure = "failure"
)

// DimensionStats tracks one scored aspect of an agent's behavior.
type DimensionStats struct {
	Score           float64 `json:"score"`
	SignalCount     int     `json:"signal_count"`
	PositiveSignals int     `json:"positive_signals"`
	NegativeSignals int     `json:"negative_signals"`
}

// TrustScore is an agent's composite standing on the mesh, 0 to 1000.
type TrustScore struct {
	AgentDID    did.DID                   `json:"agent_did"`
	TotalScore  float64                   `json:"total_score"`
	Dimensions  map[string]DimensionStats `json:"dimensions"`
	Tier        string                    `json:"tier"`
	Latched     bool                      `json:"revocation_latched"`
	LastUpdated time.Time                 `json:"last_updated"`
}

// Score fetches an agent's trust score.
func (c *Client) Score(ctx context.Context, d did.DID) (*TrustScore, error) {
	var out TrustScore
	if err := c.doJSON(ctx, http.MethodGet, "/v1/scores/"+url.PathEscape(d.String()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentsBelowScore lists agents whose composite score sits under the
// threshold.
func (c *Client) AgentsBelowScore(ctx context.Context, threshold float64) ([]did.DID, error) {
	path := "/v1/scores?below=" + strconv.FormatFloat(threshold, 'f', -1, 64)
	var out struct {
		Agents []did.DID `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// RecordSignal feeds one behavioral signal into the agent's score.
// value is in [0,1] with 0.5 neutral.
func (c *Client) RecordSignal(ctx context.Context, d did.DID, dimension string, value float64, source string) (*TrustScore, error) {
	in := map[string]any{"dimension": dimension, "value": value, "source": source}
	var out TrustScore
	if err := c.doJSON(ctx, http.MethodPost, "/v1/scores/"+url.PathEscape(d.String())+"/signals", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordTask journals a task completion and moves the competence
// dimension by outcome, TaskSuccess or TaskFailure.
func (c *Client) RecordTask(ctx context.Context, d did.DID, outcome, source string) (*TrustScore, error) {
	in := map[string]string{"outcome": outcome, "source": source}
	var out TrustScore
	if err := c.doJSON(ctx, http.MethodPost, "/v1/scores/"+url.PathEscape(d.String())+"/tasks", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordViolation journals a policy violation against the agent and
// drops its integrity dimension.
func (c *Client) RecordViolation(ctx context.Context, d did.DID, source, detail string) (*TrustScore, error) {
	in := map[string]string{"source": source, "detail": detail}
	var out TrustScore
	if err := c.doJSON(ctx, http.MethodPost, "/v1/scores/"+url.PathEscape(d.String())+"/violations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
