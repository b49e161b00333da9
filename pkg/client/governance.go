package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// PolicyInfo summarizes a loaded policy document.
type PolicyInfo struct {
	Name  string `json:"policy"`
	Rules int    `json:"rules"`
}

// Decision is a policy verdict.
type Decision struct {
	Allowed     bool    `json:"allowed"`
	Action      string  `json:"action"`
	PolicyName  string  `json:"policy_name,omitempty"`
	MatchedRule string  `json:"matched_rule,omitempty"`
	Reason      string  `json:"reason"`
	Source      string  `json:"source"`
	EvalMS      float64 `json:"evaluation_ms"`
}

// LoadPolicy uploads a raw YAML policy document to the control plane.
func (c *Client) LoadPolicy(ctx context.Context, doc []byte) (*PolicyInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/policies", bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/yaml")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var out PolicyInfo
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// ListPolicies returns the names of the loaded policies.
func (c *Client) ListPolicies(ctx context.Context) ([]string, error) {
	var out struct {
		Policies []string `json:"policies"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/policies", nil, &out); err != nil {
		return nil, err
	}
	return out.Policies, nil
}

// DeletePolicy unloads one policy by name.
func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/policies/"+url.PathEscape(name), nil, nil)
}

// EvaluatePolicy asks the control plane whether the agent may perform
// action under the given evaluation context. The decision is journaled
// server-side.
func (c *Client) EvaluatePolicy(ctx context.Context, d did.DID, action string, evalCtx map[string]any) (*Decision, error) {
	in := map[string]any{"agent_did": d.String(), "action": action, "context": evalCtx}
	var out Decision
	if err := c.doJSON(ctx, http.MethodPost, "/v1/policies/evaluate", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditEntry is one journal record.
type AuditEntry struct {
	EntryID        string         `json:"entry_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      string         `json:"event_type"`
	AgentDID       did.DID        `json:"agent_did"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Outcome        string         `json:"outcome"`
	PolicyDecision string         `json:"policy_decision,omitempty"`
	PreviousHash   string         `json:"previous_hash"`
	EntryHash      string         `json:"entry_hash,omitempty"`
}

// AuditPage is one page of the journal plus the current Merkle root.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
	Root    string       `json:"root"`
}

// AuditVerification is the server-side chain verification report.
type AuditVerification struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Error   string `json:"error,omitempty"`
}

// ProofStep is one level of a Merkle inclusion proof: the sibling hash
// and the side the proven node occupied.
type ProofStep struct {
	SiblingHash string `json:"sibling_hash"`
	Position    string `json:"position"`
}

// InclusionProof ties one journal entry to the Merkle root it was
// served with. Verify recomputes the root offline.
type InclusionProof struct {
	Index     int         `json:"index"`
	EntryHash string      `json:"entry_hash"`
	Proof     []ProofStep `json:"proof"`
	Root      string      `json:"root"`
}

// Verify folds the sibling path from the entry hash and reports whether
// it reproduces the root. No network access is involved.
func (p *InclusionProof) Verify() (bool, error) {
	cur := p.EntryHash
	for _, step := range p.Proof {
		switch step.Position {
		case "left":
			cur = hashPair(cur, step.SiblingHash)
		case "right":
			cur = hashPair(step.SiblingHash, cur)
		default:
			return false, fmt.Errorf("proof step has unknown position %q", step.Position)
		}
	}
	return cur == p.Root, nil
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// AuditEntries pages through the journal, oldest first.
func (c *Client) AuditEntries(ctx context.Context, limit, offset int) (*AuditPage, error) {
	path := fmt.Sprintf("/v1/audit?limit=%d&offset=%d", limit, offset)
	var out AuditPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAudit re-walks the journal's hash chain server-side. A broken
// chain is reported in the result, not as an error.
func (c *Client) VerifyAudit(ctx context.Context) (*AuditVerification, error) {
	var out AuditVerification
	if err := c.doJSON(ctx, http.MethodGet, "/v1/audit/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportAudit downloads the journal archive for offline verification.
func (c *Client) ExportAudit(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/audit/export", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// GetAuditEntry fetches one journal entry by index.
func (c *Client) GetAuditEntry(ctx context.Context, index int) (*AuditEntry, error) {
	var out AuditEntry
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/audit/entries/%d", index), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditProof fetches the Merkle inclusion proof for one entry.
func (c *Client) AuditProof(ctx context.Context, index int) (*InclusionProof, error) {
	var out InclusionProof
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/audit/entries/%d/proof", index), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
