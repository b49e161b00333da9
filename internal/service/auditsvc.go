package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// AuditService front-ends the tamper-evident journal with typed entry
// points for the event shapes the mesh actually produces. It owns no
// state of its own.
type AuditService struct {
	journal *audit.Log
	bus     events.Bus
	log     *zap.Logger
}

// append is the single funnel into the journal. Registry and reward
// facades route through it so entry construction stays in one place.
func (a *AuditService) append(ctx context.Context, e *audit.Entry) (*audit.Entry, error) {
	out, err := a.journal.Append(ctx, e)
	if err != nil {
		if a.log != nil {
			a.log.Error("audit append failed",
				zap.String("event_type", e.EventType),
				zap.String("agent_did", string(e.AgentDID)),
				zap.Error(err))
		}
		return nil, err
	}
	metrics.RecordAuditAppend()
	return out, nil
}

// LogAction journals an arbitrary agent action.
func (a *AuditService) LogAction(ctx context.Context, d did.DID, action, resource string, data map[string]any, outcome audit.Outcome) (*audit.Entry, error) {
	return a.append(ctx, &audit.Entry{
		EventType: "agent.action",
		AgentDID:  d,
		Action:    action,
		Resource:  resource,
		Data:      data,
		Outcome:   outcome,
	})
}

// LogPolicyDecision journals the outcome of a policy evaluation. Denied
// decisions land with the denied outcome so the journal is filterable
// by verdict.
func (a *AuditService) LogPolicyDecision(ctx context.Context, d did.DID, action string, dec *policy.Decision) (*audit.Entry, error) {
	outcome := audit.OutcomeSuccess
	if !dec.Allowed {
		outcome = audit.OutcomeDenied
	}
	metrics.RecordPolicyDecision(dec.Allowed, dec.Source)
	return a.append(ctx, &audit.Entry{
		EventType: "policy.decision",
		AgentDID:  d,
		Action:    action,
		Data: map[string]any{
			"policy_name":   dec.PolicyName,
			"matched_rule":  dec.MatchedRule,
			"source":        dec.Source,
			"reason":        dec.Reason,
			"evaluation_ms": dec.EvalMS,
		},
		Outcome:        outcome,
		PolicyDecision: string(dec.Action),
	})
}

// LogHandshake journals a completed mutual verification and mirrors it
// onto the bus.
func (a *AuditService) LogHandshake(ctx context.Context, res *handshake.Result) (*audit.Entry, error) {
	outcome := audit.OutcomeSuccess
	topic := events.TopicHandshakeCompleted
	if !res.Verified {
		outcome = audit.OutcomeFailure
		topic = events.TopicHandshakeFailed
	}
	metrics.RecordHandshake(string(outcome), res.LatencyMS/1000)

	data := map[string]any{
		"trust_score": res.TrustScore,
		"latency_ms":  res.LatencyMS,
	}
	if res.RejectionReason != "" {
		data["rejection_reason"] = res.RejectionReason
	}
	if a.bus != nil {
		a.bus.Publish(topic, map[string]any{
			"peer_did":         string(res.PeerDID),
			"verified":         res.Verified,
			"trust_score":      res.TrustScore,
			"rejection_reason": res.RejectionReason,
		})
	}
	return a.append(ctx, &audit.Entry{
		EventType: "handshake.completed",
		AgentDID:  res.PeerDID,
		Action:    "handshake",
		Data:      data,
		Outcome:   outcome,
	})
}

// VerifyChain re-walks the hash chain.
func (a *AuditService) VerifyChain() (bool, error) { return a.journal.VerifyChain() }

// Root returns the current Merkle root.
func (a *AuditService) Root() string { return a.journal.Root() }

// Proof returns the inclusion proof for entry i.
func (a *AuditService) Proof(i int) ([]audit.ProofStep, error) { return a.journal.Proof(i) }

// Export snapshots the journal as an archive for offline verification.
func (a *AuditService) Export() ([]byte, error) { return a.journal.Export() }

// Len reports the number of journaled entries.
func (a *AuditService) Len() int { return a.journal.Len() }

// Get returns the entry at index i.
func (a *AuditService) Get(i int) (*audit.Entry, error) { return a.journal.Get(i) }

// Entries returns a snapshot of the full journal, oldest first.
func (a *AuditService) Entries() []*audit.Entry { return a.journal.Entries() }

// ForAgent returns up to limit entries for one agent, newest last.
// limit <= 0 means no cap.
func (a *AuditService) ForAgent(d did.DID, limit int) []*audit.Entry {
	all := a.journal.Entries()
	out := make([]*audit.Entry, 0, 16)
	for _, e := range all {
		if e.AgentDID == d {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
