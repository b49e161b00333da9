package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Decision sources.
const (
	SourceRule     = "rule"
	SourceAdapter  = "adapter"
	SourceDefaults = "defaults"
)

// FallbackDefaults apply when no targeting policy declares its own.
var FallbackDefaults = Defaults{
	MinTrustScore:      0,
	MaxDelegationDepth: 5,
	AllowedNamespaces:  []string{"*"},
	RequireHandshake:   false,
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed     bool    `json:"allowed"`
	Action      Action  `json:"action"`
	PolicyName  string  `json:"policy_name,omitempty"`
	MatchedRule string  `json:"matched_rule,omitempty"`
	Reason      string  `json:"reason"`
	Source      string  `json:"source"`
	EvalMS      float64 `json:"evaluation_ms"`
}

// AdapterDecision is an external evaluator's verdict.
type AdapterDecision struct {
	Allowed bool
	Source  string
	EvalMS  float64
}

// QueryEvaluator is the pluggable expression backend, consulted only when
// no rule matched. Rules always win.
type QueryEvaluator interface {
	Evaluate(ctx context.Context, queryPath string, input map[string]any) (*AdapterDecision, error)
}

type compiledRule struct {
	policyName string
	rule       Rule
	cond       compiledCondition
	seq        int
}

type compiledPolicy struct {
	policy *Policy
	rules  []compiledRule
}

// Engine evaluates policies. Evaluation is a pure function of the loaded
// rule set and the call's context; the engine itself only mutates on
// policy add/remove.
type Engine struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
	nextSeq  int

	defaults     Defaults
	adapter      QueryEvaluator
	adapterQuery string
	log          *zap.Logger
	bus          events.Bus
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithBus publishes evaluation and violation events.
func WithBus(bus events.Bus) EngineOption {
	return func(e *Engine) { e.bus = bus }
}

// WithAdapter attaches an expression backend consulted when no rule
// matches. queryPath names the registered query to run.
func WithAdapter(q QueryEvaluator, queryPath string) EngineOption {
	return func(e *Engine) {
		e.adapter = q
		e.adapterQuery = queryPath
	}
}

// WithDefaults overrides the engine-level fallback defaults.
func WithDefaults(d Defaults) EngineOption {
	return func(e *Engine) { e.defaults = d }
}

// NewEngine returns an empty policy engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		defaults: FallbackDefaults,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddPolicy validates, compiles, and registers a policy. Invalid regex
// literals do not fail registration; those rules evaluate false forever.
func (e *Engine) AddPolicy(p *Policy) error {
	if p == nil {
		return &ValidationError{Msg: "policy must not be nil"}
	}
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.policies {
		if existing.policy.Name == p.Name {
			return &ValidationError{Msg: fmt.Sprintf("policy %s already loaded", p.Name)}
		}
	}

	cp := &compiledPolicy{policy: p}
	for _, r := range p.Rules {
		cc := compileCondition(r.Condition)
		if cc.wantRegex && cc.re == nil {
			e.log.Warn("policy rule has an unusable regex and will never match",
				zap.String("policy", p.Name),
				zap.String("rule", r.Name))
		}
		cp.rules = append(cp.rules, compiledRule{
			policyName: p.Name,
			rule:       r,
			cond:       cc,
			seq:        e.nextSeq,
		})
		e.nextSeq++
	}
	e.policies = append(e.policies, cp)
	return nil
}

// RemovePolicy unloads a policy by name.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cp := range e.policies {
		if cp.policy.Name == name {
			e.policies = append(e.policies[:i:i], e.policies[i+1:]...)
			return true
		}
	}
	return false
}

// PolicyNames lists loaded policies in load order.
func (e *Engine) PolicyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.policy.Name
	}
	return out
}

// Evaluate decides whether the agent's action may proceed. Rules targeting
// the agent run in priority order (ascending, stable); first match wins.
// With no match the adapter is consulted, then the defaults. Evaluate
// never fails: internal evaluator errors fall through to the defaults.
func (e *Engine) Evaluate(ctx context.Context, d did.DID, evalCtx map[string]any) *Decision {
	start := time.Now()

	e.mu.RLock()
	var rules []compiledRule
	var defaults *Defaults
	for _, cp := range e.policies {
		if !cp.policy.Targets(d) {
			continue
		}
		if defaults == nil && cp.policy.Defaults != nil {
			defaults = cp.policy.Defaults
		}
		for _, cr := range cp.rules {
			if cr.rule.enabled() {
				rules = append(rules, cr)
			}
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority < rules[j].rule.Priority
	})

	for _, cr := range rules {
		if !cr.cond.evaluate(evalCtx) {
			continue
		}
		dec := &Decision{
			Allowed:     cr.rule.Action.permits(),
			Action:      cr.rule.Action,
			PolicyName:  cr.policyName,
			MatchedRule: cr.rule.Name,
			Reason:      fmt.Sprintf("rule %q matched", cr.rule.Name),
			Source:      SourceRule,
			EvalMS:      msSince(start),
		}
		e.publish(d, dec)
		return dec
	}

	if e.adapter != nil {
		input := map[string]any{
			"agent_did": string(d),
			"context":   evalCtx,
		}
		ad, err := e.adapter.Evaluate(ctx, e.adapterQuery, input)
		if err != nil {
			e.log.Warn("policy adapter failed, falling back to defaults",
				zap.String("query", e.adapterQuery),
				zap.Error(err))
		} else {
			action := ActionDeny
			if ad.Allowed {
				action = ActionAllow
			}
			reason := fmt.Sprintf("adapter query %q", e.adapterQuery)
			if ad.Source != "" {
				reason = fmt.Sprintf("adapter query %q (%s)", e.adapterQuery, ad.Source)
			}
			dec := &Decision{
				Allowed: ad.Allowed,
				Action:  action,
				Reason:  reason,
				Source:  SourceAdapter,
				EvalMS:  msSince(start),
			}
			e.publish(d, dec)
			return dec
		}
	}

	if defaults == nil {
		defaults = &e.defaults
	}
	dec := e.applyDefaults(defaults, evalCtx)
	dec.EvalMS = msSince(start)
	e.publish(d, dec)
	return dec
}

func (e *Engine) applyDefaults(def *Defaults, evalCtx map[string]any) *Decision {
	deny := func(reason string) *Decision {
		return &Decision{
			Allowed: false,
			Action:  ActionDeny,
			Reason:  reason,
			Source:  SourceDefaults,
		}
	}

	if def.MinTrustScore > 0 {
		score := 0.0
		if v, ok := lookupPath(evalCtx, "trust_score"); ok {
			if f, ok := toFloat(v); ok {
				score = f
			}
		}
		if score < def.MinTrustScore {
			return deny(fmt.Sprintf("trust score %.1f below minimum %.1f", score, def.MinTrustScore))
		}
	}

	if def.MaxDelegationDepth > 0 {
		if v, ok := lookupPath(evalCtx, "delegation_depth"); ok {
			if f, ok := toFloat(v); ok && int(f) > def.MaxDelegationDepth {
				return deny(fmt.Sprintf("delegation depth %d exceeds maximum %d", int(f), def.MaxDelegationDepth))
			}
		}
	}

	if len(def.AllowedNamespaces) > 0 && !contains(def.AllowedNamespaces, "*") {
		ns, _ := lookupPath(evalCtx, "agent.namespace")
		s, ok := ns.(string)
		if !ok || !contains(def.AllowedNamespaces, s) {
			return deny(fmt.Sprintf("namespace %q not allowed", s))
		}
	}

	if def.RequireHandshake {
		v, _ := lookupPath(evalCtx, "handshake_verified")
		if ok, isBool := v.(bool); !isBool || !ok {
			return deny("handshake required")
		}
	}

	return &Decision{
		Allowed: true,
		Action:  ActionAllow,
		Reason:  "within default limits",
		Source:  SourceDefaults,
	}
}

func (e *Engine) publish(d did.DID, dec *Decision) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicPolicyEvaluated, map[string]any{
		"agent_did":    string(d),
		"allowed":      dec.Allowed,
		"action":       string(dec.Action),
		"matched_rule": dec.MatchedRule,
		"source":       dec.Source,
	})
	if !dec.Allowed {
		e.bus.Publish(events.TopicPolicyViolation, map[string]any{
			"agent_did": string(d),
			"reason":    dec.Reason,
		})
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
