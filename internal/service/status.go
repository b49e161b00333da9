package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// StatusBridge carries reward-engine verdicts into the identity and
// credential layers: a latched score revokes the agent everywhere, an
// attested reinstatement restores it. It satisfies reward.StatusController.
type StatusBridge struct {
	identities  *identity.Store
	credentials *credential.Manager
	broker      *handshake.Broker
	log         *zap.Logger
}

// NewStatusBridge wires the revocation fan-out. broker may be nil when no
// handshake cache needs invalidating.
func NewStatusBridge(ids *identity.Store, creds *credential.Manager, broker *handshake.Broker, log *zap.Logger) *StatusBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusBridge{
		identities:  ids,
		credentials: creds,
		broker:      broker,
		log:         log,
	}
}

// AutoRevoke revokes the agent's identity, kills its live credentials, and
// drops any cached handshake verdicts so the next contact re-verifies.
func (b *StatusBridge) AutoRevoke(ctx context.Context, d did.DID, reason string) error {
	if _, err := b.identities.Revoke(ctx, d, reason, "reward-engine", nil); err != nil {
		return err
	}
	revoked := b.credentials.RevokeAllForAgent(ctx, d)
	if b.broker != nil {
		b.broker.InvalidateCache(d)
	}
	metrics.RecordRevocation("auto")

	b.log.Info("agent revoked across the mesh",
		zap.String("agent_did", string(d)),
		zap.String("reason", reason),
		zap.Int("credentials_revoked", revoked))
	return nil
}

// Reinstate restores a revoked identity. The reward engine has already
// checked the admin attestation and the latch by the time this runs.
func (b *StatusBridge) Reinstate(ctx context.Context, d did.DID) error {
	if err := b.identities.Restore(ctx, d); err != nil {
		return err
	}
	if b.broker != nil {
		b.broker.InvalidateCache(d)
	}
	b.log.Info("agent reinstated", zap.String("agent_did", string(d)))
	return nil
}
