package reward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/pkg/did"
)

var (
	// ErrBadValue rejects signals outside [0,1].
	ErrBadValue = errors.New("signal value outside [0,1]")

	// ErrUnknownDimension rejects signals naming no canonical dimension.
	ErrUnknownDimension = errors.New("unknown dimension")

	// ErrUnknownAgent is returned when an agent has no scoring state.
	ErrUnknownAgent = errors.New("agent has no scoring state")

	// ErrLatched blocks reinstatement while the score sits below the
	// re-entry threshold.
	ErrLatched = errors.New("revocation latch is set")

	// ErrBadAttestation rejects a reinstatement with a wrong admin secret.
	ErrBadAttestation = errors.New("admin attestation rejected")

	// ErrNoAttestation is returned when reinstatement is requested but no
	// admin secret was configured.
	ErrNoAttestation = errors.New("no admin attestation configured")
)

// StatusController pushes the engine's revocation decisions into the
// identity and credential layers. The service facade implements it.
type StatusController interface {
	AutoRevoke(ctx context.Context, d did.DID, reason string) error
	Reinstate(ctx context.Context, d did.DID) error
}

// RevocationCallback observes automatic revocations.
type RevocationCallback func(d did.DID, reason string)

type registeredCallback struct {
	id int
	fn RevocationCallback
}

type dimState struct {
	score    float64
	count    int
	positive int
	negative int
}

type agentState struct {
	mu          sync.Mutex
	ring        *ring
	dims        map[Dimension]*dimState
	total       float64
	tier        Tier
	latched     bool
	lastUpdated time.Time
}

// Engine scores agents. Safe for concurrent use; signal application is
// serialized per agent, never globally.
type Engine struct {
	weights     map[Dimension]float64
	tau         float64 // seconds
	gain        float64
	ringSize    int
	revokeBelow float64
	reentryAt   float64

	now        func() time.Time
	log        *zap.Logger
	bus        events.Bus
	controller StatusController
	adminHash  []byte

	mu     sync.RWMutex
	agents map[did.DID]*agentState

	cbMu      sync.Mutex
	callbacks []registeredCallback
	nextCBID  int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWeights replaces the default dimension weights. The set must sum to
// 1.0; NewEngine rejects it otherwise.
func WithWeights(w map[Dimension]float64) EngineOption {
	return func(e *Engine) {
		if w != nil {
			e.weights = w
		}
	}
}

// WithHalfLife sets the staleness half-life for signal weighting.
func WithHalfLife(hl time.Duration) EngineOption {
	return func(e *Engine) {
		if hl > 0 {
			e.tau = hl.Seconds() / math.Ln2
		}
	}
}

// WithGain sets how far a single fresh signal moves a dimension.
func WithGain(g float64) EngineOption {
	return func(e *Engine) {
		if g > 0 && g <= 1 {
			e.gain = g
		}
	}
}

// WithRingSize bounds the retained signal history per agent.
func WithRingSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.ringSize = n
		}
	}
}

// WithThresholds sets the revocation and re-entry scores. reentry must sit
// above revoke to give the latch hysteresis.
func WithThresholds(revoke, reentry float64) EngineOption {
	return func(e *Engine) {
		if revoke >= 0 && reentry > revoke {
			e.revokeBelow = revoke
			e.reentryAt = reentry
		}
	}
}

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithBus publishes score updates, tier changes, and auto-revocations.
func WithBus(bus events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithStatusController wires automatic revocation into the identity layer.
func WithStatusController(c StatusController) EngineOption {
	return func(e *Engine) { e.controller = c }
}

// WithAdminAttestation sets the bcrypt hash reinstatement requests are
// verified against. See HashAttestation.
func WithAdminAttestation(hash []byte) EngineOption {
	return func(e *Engine) { e.adminHash = hash }
}

// NewEngine builds a scoring engine. It fails only on an invalid weight
// set.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		weights:     DefaultWeights,
		tau:         DefaultHalfLife.Seconds() / math.Ln2,
		gain:        DefaultGain,
		ringSize:    DefaultRingSize,
		revokeBelow: DefaultRevocationThreshold,
		reentryAt:   DefaultReentryThreshold,
		now:         time.Now,
		log:         zap.NewNop(),
		agents:      make(map[did.DID]*agentState),
	}
	for _, o := range opts {
		o(e)
	}
	if err := ValidateWeights(e.weights); err != nil {
		return nil, err
	}
	return e, nil
}

// HashAttestation derives the bcrypt hash WithAdminAttestation expects.
func HashAttestation(secret string) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash attestation: %w", err)
	}
	return h, nil
}

// Ensure materializes neutral scoring state for an agent and returns the
// snapshot. Called at registration so new agents start at the default
// composite.
func (e *Engine) Ensure(d did.DID) *TrustScore {
	st := e.ensure(d)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.snapshotLocked(d, st)
}

// RecordSignal stamps a signal with the current time and applies it.
func (e *Engine) RecordSignal(ctx context.Context, d did.DID, dimension string, value float64, source string) (*TrustScore, error) {
	dim, ok := Canonical(dimension)
	if !ok {
		return nil, fmt.Errorf("record signal for %s: dimension %q: %w", d, dimension, ErrUnknownDimension)
	}
	return e.apply(ctx, Signal{
		AgentDID:  d,
		Dimension: dim,
		Value:     value,
		Source:    source,
		Timestamp: e.now().UTC(),
	})
}

// RecordObserved applies a signal carrying its own timestamp, as delivered
// by peers or replayed from storage. Stale signals are discounted by the
// half-life weighting; a missing timestamp means now.
func (e *Engine) RecordObserved(ctx context.Context, sig Signal) (*TrustScore, error) {
	dim, ok := Canonical(string(sig.Dimension))
	if !ok {
		return nil, fmt.Errorf("record signal for %s: dimension %q: %w", sig.AgentDID, sig.Dimension, ErrUnknownDimension)
	}
	sig.Dimension = dim
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.now().UTC()
	}
	return e.apply(ctx, sig)
}

func (e *Engine) apply(ctx context.Context, sig Signal) (*TrustScore, error) {
	if sig.Value < 0 || sig.Value > 1 || math.IsNaN(sig.Value) {
		return nil, fmt.Errorf("record signal for %s: value %v: %w", sig.AgentDID, sig.Value, ErrBadValue)
	}
	if !did.Valid(string(sig.AgentDID)) {
		return nil, fmt.Errorf("record signal: DID %q is malformed", sig.AgentDID)
	}

	st := e.ensure(sig.AgentDID)
	now := e.now().UTC()

	st.mu.Lock()
	st.ring.push(sig)

	ds := st.dims[sig.Dimension]
	alpha := e.gain * e.staleness(now.Sub(sig.Timestamp))
	deviation := sig.Value - NeutralDimensionScore
	switch {
	case deviation > 0:
		ds.score += alpha * 2 * deviation * (1 - ds.score)
		ds.positive++
	case deviation < 0:
		ds.score -= alpha * 2 * -deviation * ds.score
		ds.negative++
	}
	ds.count++
	if ds.score < 0 {
		ds.score = 0
	} else if ds.score > 1 {
		ds.score = 1
	}

	prevTier := st.tier
	st.total = e.composite(st.dims)
	st.tier = TierFor(st.total)
	st.lastUpdated = now

	latchSet := false
	if !st.latched && st.total < e.revokeBelow {
		st.latched = true
		latchSet = true
	} else if st.latched && st.total >= e.reentryAt {
		st.latched = false
	}

	snap := e.snapshotLocked(sig.AgentDID, st)
	st.mu.Unlock()

	e.publishScore(snap, prevTier)
	if latchSet {
		reason := fmt.Sprintf("trust score %.1f below revocation threshold %.1f", snap.TotalScore, e.revokeBelow)
		e.fireRevocation(ctx, sig.AgentDID, reason, snap)
	}
	return snap, nil
}

// Score returns the current snapshot for an agent.
func (e *Engine) Score(d did.DID) (*TrustScore, error) {
	st, ok := e.lookup(d)
	if !ok {
		return nil, fmt.Errorf("score for %s: %w", d, ErrUnknownAgent)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.snapshotLocked(d, st), nil
}

// Signals returns up to limit of the agent's most recent signals, oldest
// first. limit <= 0 means all retained.
func (e *Engine) Signals(d did.DID, limit int) []Signal {
	st, ok := e.lookup(d)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.tail(limit)
}

// Latched reports whether the agent's revocation latch is set.
func (e *Engine) Latched(d did.DID) bool {
	st, ok := e.lookup(d)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latched
}

// Agents returns every DID with scoring state.
func (e *Engine) Agents() []did.DID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]did.DID, 0, len(e.agents))
	for d := range e.agents {
		out = append(out, d)
	}
	return out
}

// OnRevocation registers a callback fired when the latch engages. The
// returned func unregisters; it is idempotent.
func (e *Engine) OnRevocation(cb RevocationCallback) (unregister func()) {
	e.cbMu.Lock()
	id := e.nextCBID
	e.nextCBID++
	e.callbacks = append(e.callbacks, registeredCallback{id: id, fn: cb})
	e.cbMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.cbMu.Lock()
			defer e.cbMu.Unlock()
			for i, rc := range e.callbacks {
				if rc.id == id {
					e.callbacks = append(e.callbacks[:i:i], e.callbacks[i+1:]...)
					return
				}
			}
		})
	}
}

// Reinstate lifts an automatic revocation. The score must have recovered
// above the re-entry threshold (latch cleared) and the caller must present
// the admin secret.
func (e *Engine) Reinstate(ctx context.Context, d did.DID, attestation string) error {
	if len(e.adminHash) == 0 {
		return fmt.Errorf("reinstate %s: %w", d, ErrNoAttestation)
	}
	if bcrypt.CompareHashAndPassword(e.adminHash, []byte(attestation)) != nil {
		return fmt.Errorf("reinstate %s: %w", d, ErrBadAttestation)
	}

	st, ok := e.lookup(d)
	if !ok {
		return fmt.Errorf("reinstate %s: %w", d, ErrUnknownAgent)
	}
	st.mu.Lock()
	latched := st.latched
	st.mu.Unlock()
	if latched {
		return fmt.Errorf("reinstate %s: %w", d, ErrLatched)
	}

	if e.controller != nil {
		if err := e.controller.Reinstate(ctx, d); err != nil {
			return fmt.Errorf("reinstate %s: %w", d, err)
		}
	}
	e.log.Info("agent reinstated", zap.String("did", string(d)))
	return nil
}

func (e *Engine) ensure(d did.DID) *agentState {
	e.mu.RLock()
	st, ok := e.agents[d]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.agents[d]; ok {
		return st
	}
	st = &agentState{
		ring: newRing(e.ringSize),
		dims: make(map[Dimension]*dimState, len(allDimensions)),
		tier: TierFor(e.neutralComposite()),
	}
	for _, dim := range allDimensions {
		st.dims[dim] = &dimState{score: NeutralDimensionScore}
	}
	st.total = e.neutralComposite()
	st.lastUpdated = e.now().UTC()
	e.agents[d] = st
	return st
}

func (e *Engine) lookup(d did.DID) (*agentState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.agents[d]
	return st, ok
}

// staleness weighs a signal by age: 1.0 fresh, halving every half-life.
func (e *Engine) staleness(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-age.Seconds() / e.tau)
}

func (e *Engine) composite(dims map[Dimension]*dimState) float64 {
	total := 0.0
	for dim, w := range e.weights {
		if ds, ok := dims[dim]; ok {
			total += w * ds.score
		}
	}
	total *= MaxScore
	if total < MinScore {
		return MinScore
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}

func (e *Engine) neutralComposite() float64 {
	total := 0.0
	for _, w := range e.weights {
		total += w * NeutralDimensionScore
	}
	return total * MaxScore
}

func (e *Engine) snapshotLocked(d did.DID, st *agentState) *TrustScore {
	dims := make(map[Dimension]DimensionStats, len(st.dims))
	for dim, ds := range st.dims {
		dims[dim] = DimensionStats{
			Score:           ds.score,
			SignalCount:     ds.count,
			PositiveSignals: ds.positive,
			NegativeSignals: ds.negative,
		}
	}
	return &TrustScore{
		AgentDID:    d,
		TotalScore:  st.total,
		Dimensions:  dims,
		Tier:        st.tier,
		Latched:     st.latched,
		LastUpdated: st.lastUpdated,
	}
}

func (e *Engine) publishScore(snap *TrustScore, prevTier Tier) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicScoreUpdated, map[string]any{
		"agent_did":   string(snap.AgentDID),
		"total_score": snap.TotalScore,
		"tier":        string(snap.Tier),
	})
	if prevTier != "" && prevTier != snap.Tier {
		e.bus.Publish(events.TopicTierChanged, map[string]any{
			"agent_did": string(snap.AgentDID),
			"from":      string(prevTier),
			"to":        string(snap.Tier),
		})
	}
}

func (e *Engine) fireRevocation(ctx context.Context, d did.DID, reason string, snap *TrustScore) {
	e.cbMu.Lock()
	cbs := make([]registeredCallback, len(e.callbacks))
	copy(cbs, e.callbacks)
	e.cbMu.Unlock()

	for _, rc := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("revocation callback panicked",
						zap.String("did", string(d)),
						zap.Any("panic", r))
				}
			}()
			rc.fn(d, reason)
		}()
	}

	if e.controller != nil {
		if err := e.controller.AutoRevoke(ctx, d, reason); err != nil {
			e.log.Warn("auto-revoke propagation failed (non-fatal)",
				zap.String("did", string(d)),
				zap.Error(err))
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicAgentAutoRevoked, map[string]any{
			"agent_did":   string(d),
			"reason":      reason,
			"total_score": snap.TotalScore,
		})
	}
	e.log.Info("agent auto-revoked",
		zap.String("did", string(d)),
		zap.Float64("total_score", snap.TotalScore),
		zap.String("reason", reason))
}
