package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/handshake"
	"github.com/agentmesh/agentmesh/internal/reward"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// RewardService translates mesh outcomes into trust signals and
// journals them. Score math lives in the reward engine; this layer only
// decides which dimension an outcome feeds.
type RewardService struct {
	rewards *reward.Engine
	audit   *AuditService
	log     *zap.Logger
}

// RecordTaskSuccess feeds a full-strength competence signal.
func (s *RewardService) RecordTaskSuccess(ctx context.Context, d did.DID, source string) (*reward.TrustScore, error) {
	score, err := s.rewards.RecordSignal(ctx, d, string(reward.DimCompetence), 1.0, source)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.append(ctx, &audit.Entry{
		EventType: "task.completed",
		AgentDID:  d,
		Action:    "task",
		Data: map[string]any{
			"source":      source,
			"total_score": score.TotalScore,
		},
		Outcome: audit.OutcomeSuccess,
	}); err != nil {
		return nil, err
	}
	return score, nil
}

// RecordTaskFailure feeds a zero competence signal.
func (s *RewardService) RecordTaskFailure(ctx context.Context, d did.DID, source string) (*reward.TrustScore, error) {
	score, err := s.rewards.RecordSignal(ctx, d, string(reward.DimCompetence), 0.0, source)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.append(ctx, &audit.Entry{
		EventType: "task.failed",
		AgentDID:  d,
		Action:    "task",
		Data: map[string]any{
			"source":      source,
			"total_score": score.TotalScore,
		},
		Outcome: audit.OutcomeFailure,
	}); err != nil {
		return nil, err
	}
	return score, nil
}

// RecordViolation feeds a zero integrity signal for a policy breach.
func (s *RewardService) RecordViolation(ctx context.Context, d did.DID, source, detail string) (*reward.TrustScore, error) {
	score, err := s.rewards.RecordSignal(ctx, d, string(reward.DimIntegrity), 0.0, source)
	if err != nil {
		return nil, err
	}
	if _, err := s.audit.append(ctx, &audit.Entry{
		EventType: "policy.violation",
		AgentDID:  d,
		Action:    "violation",
		Data: map[string]any{
			"source":      source,
			"detail":      detail,
			"total_score": score.TotalScore,
		},
		Outcome: audit.OutcomeDenied,
	}); err != nil {
		return nil, err
	}
	return score, nil
}

// Record forwards an arbitrary signal without journaling. Callers that
// need an audit trail use the typed entry points above.
func (s *RewardService) Record(ctx context.Context, d did.DID, dimension string, value float64, source string) (*reward.TrustScore, error) {
	return s.rewards.RecordSignal(ctx, d, dimension, value, source)
}

// Score returns the current trust score for an agent.
func (s *RewardService) Score(d did.DID) (*reward.TrustScore, error) {
	return s.rewards.Score(d)
}

// IsTrusted reports whether the agent clears minScore. A non-positive
// minScore falls back to the handshake default.
func (s *RewardService) IsTrusted(d did.DID, minScore float64) bool {
	if minScore <= 0 {
		minScore = handshake.DefaultRequiredTrustScore
	}
	score, err := s.rewards.Score(d)
	if err != nil {
		return false
	}
	return !score.Latched && score.TotalScore >= minScore
}

// AgentsBelowThreshold lists tracked agents scoring under the
// threshold, ordered by DID for stable output.
func (s *RewardService) AgentsBelowThreshold(threshold float64) []did.DID {
	var out []did.DID
	for _, d := range s.rewards.Agents() {
		score, err := s.rewards.Score(d)
		if err != nil {
			continue
		}
		if score.TotalScore < threshold {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
