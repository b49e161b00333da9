// Package service is the thin composition layer over the governance
// engines. Each facade bundles the recurring trio — do the thing, journal
// it, emit the event — so callers never reimplement that sequence. The
// facades own no state of their own; everything lives in the engines they
// wrap.
package service

import (
	"errors"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/credential"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/internal/scopechain"
)

// Deps are the engines the facades compose. Identities, Credentials,
// Rewards, and Audit are required; the rest are optional.
type Deps struct {
	Identities  *identity.Store
	Credentials *credential.Manager
	Rewards     *reward.Engine
	Audit       *audit.Log
	Broker      *handshake.Broker
	Chains      *scopechain.Store
	Bus         events.Bus
	Log         *zap.Logger
}

// Services bundles the three facades over one set of engines.
type Services struct {
	Registry *AgentRegistry
	Audit    *AuditService
	Reward   *RewardService
}

// New validates the dependency set and builds the facades.
func New(d Deps) (*Services, error) {
	switch {
	case d.Identities == nil:
		return nil, errors.New("service: identity store is required")
	case d.Credentials == nil:
		return nil, errors.New("service: credential manager is required")
	case d.Rewards == nil:
		return nil, errors.New("service: reward engine is required")
	case d.Audit == nil:
		return nil, errors.New("service: audit log is required")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	auditSvc := &AuditService{journal: d.Audit, bus: d.Bus, log: d.Log}
	return &Services{
		Registry: &AgentRegistry{
			identities:  d.Identities,
			credentials: d.Credentials,
			rewards:     d.Rewards,
			audit:       auditSvc,
			broker:      d.Broker,
			chains:      d.Chains,
			bus:         d.Bus,
			log:         d.Log,
		},
		Audit: auditSvc,
		Reward: &RewardService{
			rewards: d.Rewards,
			audit:   auditSvc,
			log:     d.Log,
		},
	}, nil
}
