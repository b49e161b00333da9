// Package reward maintains per-agent trust scores from a stream of
// behavioral signals. Each agent carries a score per dimension; the
// weighted composite in [0,1000] drives tier assignment and, below the
// revocation threshold, automatic removal from the mesh.
package reward

import (
	"fmt"
	"math"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// Dimension names one scored aspect of agent behavior.
type Dimension string

const (
	DimCompetence          Dimension = "competence"
	DimIntegrity           Dimension = "integrity"
	DimAvailability        Dimension = "availability"
	DimPredictability      Dimension = "predictability"
	DimTransparency        Dimension = "transparency"
	DimSecurityPosture     Dimension = "security_posture"
	DimCollaborationHealth Dimension = "collaboration_health"
)

// aliases maps the signal names some producers still emit onto the
// canonical dimensions.
var aliases = map[string]Dimension{
	"policy_compliance":   DimCompetence,
	"resource_efficiency": DimAvailability,
	"output_quality":      DimPredictability,
}

// allDimensions is the canonical set every agent's map is keyed by.
var allDimensions = []Dimension{
	DimCompetence,
	DimIntegrity,
	DimAvailability,
	DimPredictability,
	DimTransparency,
	DimSecurityPosture,
	DimCollaborationHealth,
}

// Canonical resolves a dimension name, following aliases. ok is false for
// names that are neither canonical nor aliased.
func Canonical(name string) (Dimension, bool) {
	if d, ok := aliases[name]; ok {
		return d, true
	}
	d := Dimension(name)
	for _, known := range allDimensions {
		if d == known {
			return d, true
		}
	}
	return "", false
}

// DefaultWeights compose the total score. security_posture and
// collaboration_health are tracked but carry no weight by default.
var DefaultWeights = map[Dimension]float64{
	DimCompetence:          0.30,
	DimIntegrity:           0.25,
	DimAvailability:        0.15,
	DimPredictability:      0.15,
	DimTransparency:        0.15,
	DimSecurityPosture:     0,
	DimCollaborationHealth: 0,
}

const (
	// MinScore and MaxScore bound the composite.
	MinScore = 0.0
	MaxScore = 1000.0

	// NeutralDimensionScore is where every dimension starts.
	NeutralDimensionScore = 0.5

	// DefaultHalfLife is the staleness half-life: a signal this old counts
	// half as much as a fresh one.
	DefaultHalfLife = 5 * time.Minute

	// DefaultGain scales how far a single fresh signal moves a dimension.
	DefaultGain = 0.3

	// DefaultRingSize bounds the retained signal history per agent.
	DefaultRingSize = 1000

	// DefaultRevocationThreshold is the composite score below which the
	// revocation latch engages.
	DefaultRevocationThreshold = 300.0

	// DefaultReentryThreshold is the hysteresis bar: the latch clears only
	// once the composite climbs back above it.
	DefaultReentryThreshold = 400.0

	// weightTolerance is the allowed drift of the weight sum from 1.0.
	weightTolerance = 1e-9
)

// Tier buckets a composite score.
type Tier string

const (
	TierVerifiedPartner Tier = "verified_partner"
	TierTrusted         Tier = "trusted"
	TierStandard        Tier = "standard"
	TierProbationary    Tier = "probationary"
	TierUntrusted       Tier = "untrusted"
)

// TierFor assigns the tier for a composite score. Pure function.
func TierFor(total float64) Tier {
	switch {
	case total >= 900:
		return TierVerifiedPartner
	case total >= 700:
		return TierTrusted
	case total >= 500:
		return TierStandard
	case total >= 300:
		return TierProbationary
	default:
		return TierUntrusted
	}
}

// Signal is one behavioral observation. Value 0.5 is neutral; above
// rewards, below penalizes.
type Signal struct {
	AgentDID  did.DID   `json:"agent_did"`
	Dimension Dimension `json:"dimension"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// DimensionStats is the published state of one dimension.
type DimensionStats struct {
	Score           float64 `json:"score"`
	SignalCount     int     `json:"signal_count"`
	PositiveSignals int     `json:"positive_signals"`
	NegativeSignals int     `json:"negative_signals"`
}

// TrustScore is an agent's published scoring state.
type TrustScore struct {
	AgentDID    did.DID                      `json:"agent_did"`
	TotalScore  float64                      `json:"total_score"`
	Dimensions  map[Dimension]DimensionStats `json:"dimensions"`
	Tier        Tier                         `json:"tier"`
	Latched     bool                         `json:"revocation_latched"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// WeightSumError reports a weight set that does not sum to 1.0.
type WeightSumError struct {
	Sum float64
}

func (e *WeightSumError) Error() string {
	return fmt.Sprintf("dimension weights sum to %.12f, want 1.0", e.Sum)
}

// ValidateWeights checks that weights cover only known dimensions and sum
// to 1.0 within tolerance.
func ValidateWeights(weights map[Dimension]float64) error {
	sum := 0.0
	for d, w := range weights {
		if _, ok := Canonical(string(d)); !ok {
			return fmt.Errorf("weight for unknown dimension %q", d)
		}
		if w < 0 {
			return fmt.Errorf("weight for %s is negative", d)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return &WeightSumError{Sum: sum}
	}
	return nil
}
