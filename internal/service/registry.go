package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/internal/scopechain"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// AgentRegistry is the lifecycle facade: registration, credentials,
// suspension, revocation, reinstatement, delegation filing. Every mutation
// lands in the journal; a failed journal append fails the call even though
// the underlying mutation already happened, so callers can re-drive it.
type AgentRegistry struct {
	identities  *identity.Store
	credentials *credential.Manager
	rewards     *reward.Engine
	audit       *AuditService
	broker      *handshake.Broker
	chains      *scopechain.Store
	bus         events.Bus
	log         *zap.Logger
}

// Register creates the agent's identity, seeds its neutral trust score,
// and journals the birth. The private key is returned once and never
// stored.
func (r *AgentRegistry) Register(ctx context.Context, params identity.RegistrationParams) (*identity.Identity, ed25519.PrivateKey, error) {
	id, key, err := r.identities.Create(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	score := r.rewards.Ensure(id.DID)

	r.publish(events.TopicIdentityCreated, map[string]any{
		"agent_did": string(id.DID),
		"name":      id.Name,
	})
	if _, err := r.audit.append(ctx, &audit.Entry{
		EventType: "identity.registered",
		AgentDID:  id.DID,
		Action:    "register",
		Data: map[string]any{
			"name":          id.Name,
			"organization":  id.Organization,
			"capabilities":  id.Capabilities,
			"initial_score": score.TotalScore,
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return nil, nil, err
	}
	return id, key, nil
}

// Get returns the identity for a DID.
func (r *AgentRegistry) Get(ctx context.Context, d did.DID) (*identity.Identity, error) {
	return r.identities.Get(ctx, d)
}

// List filters registered identities.
func (r *AgentRegistry) List(ctx context.Context, f identity.Filter) []*identity.Identity {
	return r.identities.List(ctx, f)
}

// Revoke cascades a manual revocation: identity, credentials, cached
// handshake verdicts, delegation chains rooted in trust of this agent.
func (r *AgentRegistry) Revoke(ctx context.Context, d did.DID, reason, revokedBy string) (*identity.Revocation, error) {
	rev, err := r.identities.Revoke(ctx, d, reason, revokedBy, nil)
	if err != nil {
		return nil, err
	}
	credentialsRevoked := r.credentials.RevokeAllForAgent(ctx, d)
	if r.broker != nil {
		r.broker.InvalidateCache(d)
	}
	chainsDropped := 0
	if r.chains != nil {
		for _, c := range r.chains.ByLeaf(d) {
			r.chains.Delete(c.ID())
			chainsDropped++
		}
	}
	metrics.RecordRevocation("manual")

	r.publish(events.TopicIdentityRevoked, map[string]any{
		"agent_did": string(d),
		"reason":    reason,
	})
	if _, err := r.audit.append(ctx, &audit.Entry{
		EventType: "identity.revoked",
		AgentDID:  d,
		Action:    "revoke",
		Data: map[string]any{
			"reason":              reason,
			"revoked_by":          revokedBy,
			"credentials_revoked": credentialsRevoked,
			"delegations_dropped": chainsDropped,
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return nil, err
	}
	return rev, nil
}

// Suspend pauses an agent without revoking it.
func (r *AgentRegistry) Suspend(ctx context.Context, d did.DID) error {
	if err := r.identities.Suspend(ctx, d); err != nil {
		return err
	}
	if r.broker != nil {
		r.broker.InvalidateCache(d)
	}
	_, err := r.audit.append(ctx, &audit.Entry{
		EventType: "identity.suspended",
		AgentDID:  d,
		Action:    "suspend",
		Outcome:   audit.OutcomeSuccess,
	})
	return err
}

// Reinstate re-admits a revoked agent. The attestation is checked by the
// reward engine; on success the engine drives the identity restore through
// its status controller.
func (r *AgentRegistry) Reinstate(ctx context.Context, d did.DID, attestation string) error {
	if err := r.rewards.Reinstate(ctx, d, attestation); err != nil {
		return err
	}
	_, err := r.audit.append(ctx, &audit.Entry{
		EventType: "identity.reinstated",
		AgentDID:  d,
		Action:    "reinstate",
		Outcome:   audit.OutcomeSuccess,
	})
	return err
}

// DefaultCredentialTTL reports the lifetime applied when an issue request
// does not name one.
func (r *AgentRegistry) DefaultCredentialTTL() time.Duration {
	return r.credentials.DefaultTTL()
}

// IssueCredential mints a scoped bearer credential for an agent. TTL
// semantics follow the credential manager: zero expires at issue, callers
// wanting the default pass DefaultCredentialTTL.
func (r *AgentRegistry) IssueCredential(ctx context.Context, d did.DID, ttl time.Duration, scopes []string) (*credential.Credential, error) {
	cred, err := r.credentials.Issue(ctx, d, ttl, scopes)
	if err != nil {
		return nil, err
	}
	r.publish(events.TopicCredentialIssued, map[string]any{
		"agent_did":     string(d),
		"credential_id": cred.ID,
	})
	if _, err := r.audit.append(ctx, &audit.Entry{
		EventType: "credential.issued",
		AgentDID:  d,
		Action:    "issue_credential",
		Data: map[string]any{
			"credential_id": cred.ID,
			"scopes":        cred.Scopes,
			"expires_at":    cred.ExpiresAt,
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return nil, err
	}
	return cred, nil
}

// RotateCredential issues the successor before retiring the old
// credential, so the agent never holds zero live credentials.
func (r *AgentRegistry) RotateCredential(ctx context.Context, credentialID string) (*credential.Credential, error) {
	fresh, err := r.credentials.Rotate(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	r.publish(events.TopicCredentialIssued, map[string]any{
		"agent_did":     string(fresh.AgentDID),
		"credential_id": fresh.ID,
		"rotated_from":  credentialID,
	})
	if _, err := r.audit.append(ctx, &audit.Entry{
		EventType: "credential.rotated",
		AgentDID:  fresh.AgentDID,
		Action:    "rotate_credential",
		Data: map[string]any{
			"credential_id": fresh.ID,
			"rotated_from":  credentialID,
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return nil, err
	}
	return fresh, nil
}

// RevokeCredential kills a single credential.
func (r *AgentRegistry) RevokeCredential(ctx context.Context, credentialID string) error {
	cred, err := r.credentials.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	if err := r.credentials.Revoke(ctx, credentialID); err != nil {
		return err
	}
	r.publish(events.TopicCredentialRevoked, map[string]any{
		"agent_did":     string(cred.AgentDID),
		"credential_id": credentialID,
	})
	_, err = r.audit.append(ctx, &audit.Entry{
		EventType: "credential.revoked",
		AgentDID:  cred.AgentDID,
		Action:    "revoke_credential",
		Data:      map[string]any{"credential_id": credentialID},
		Outcome:   audit.OutcomeSuccess,
	})
	return err
}

// RecordDelegation verifies a submitted delegation chain against the
// registry's keys and files it. Agents build and sign links client-side;
// the control plane only ever sees public material, so an unverifiable
// chain or an inactive delegate is rejected without being stored.
func (r *AgentRegistry) RecordDelegation(ctx context.Context, chain *scopechain.Chain) error {
	if r.chains == nil {
		return errors.New("service: delegation store is not configured")
	}
	if err := chain.Verify(ctx, r.identities); err != nil {
		return fmt.Errorf("delegation chain rejected: %w", err)
	}
	leafDID := chain.LeafDID()
	leaf, err := r.identities.Get(ctx, leafDID)
	if err != nil {
		return err
	}
	if leaf.Status != identity.StatusActive {
		return fmt.Errorf("delegate %s is %s", leafDID, leaf.Status)
	}
	r.chains.Save(chain)

	links := chain.Links()
	last := links[len(links)-1]
	r.publish(events.TopicDelegationAdded, map[string]any{
		"chain_id":     chain.ID(),
		"parent_did":   string(last.ParentDID),
		"child_did":    string(last.ChildDID),
		"depth":        last.Depth,
		"capabilities": last.DelegatedCapabilities,
	})
	_, err = r.audit.append(ctx, &audit.Entry{
		EventType: "delegation.added",
		AgentDID:  leafDID,
		Action:    "delegate",
		Data: map[string]any{
			"chain_id":     chain.ID(),
			"parent_did":   string(last.ParentDID),
			"depth":        last.Depth,
			"capabilities": last.DelegatedCapabilities,
		},
		Outcome: audit.OutcomeSuccess,
	})
	return err
}

func (r *AgentRegistry) publish(topic string, payload map[string]any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}
