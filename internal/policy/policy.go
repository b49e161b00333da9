// Package policy evaluates governance rules over agent actions. Policies
// are small rule documents (usually YAML) scoped to a set of agents; the
// engine picks the highest-priority matching rule, falls back to an
// optional expression adapter, and finally to the policy defaults.
package policy

import (
	"fmt"
	"regexp"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// Action is what a matched rule decides.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionWarn            Action = "warn"
	ActionRequireApproval Action = "require_approval"
)

// permits reports whether the action lets the request proceed. Warnings
// proceed; approval requirements hold the request like a denial.
func (a Action) permits() bool {
	return a == ActionAllow || a == ActionWarn
}

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionWarn, ActionRequireApproval:
		return true
	}
	return false
}

// Operator compares a context field against a rule literal.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpIn      Operator = "in"
	OpNotIn   Operator = "not_in"
	OpMatches Operator = "matches"
)

func validOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpMatches:
		return true
	}
	return false
}

// Condition tests one dot-notated context field.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Rule is one prioritized decision. Lower priority evaluates first.
// Enabled defaults to true when omitted.
type Rule struct {
	Name      string    `json:"name" yaml:"name"`
	Priority  int       `json:"priority" yaml:"priority"`
	Condition Condition `json:"condition" yaml:"condition"`
	Action    Action    `json:"action" yaml:"action"`
	Enabled   *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

func (r *Rule) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Defaults apply when no rule matches and the adapter stays silent.
type Defaults struct {
	MinTrustScore      float64  `json:"min_trust_score" yaml:"min_trust_score"`
	MaxDelegationDepth int      `json:"max_delegation_depth" yaml:"max_delegation_depth"`
	AllowedNamespaces  []string `json:"allowed_namespaces" yaml:"allowed_namespaces"`
	RequireHandshake   bool     `json:"require_handshake" yaml:"require_handshake"`
}

// Policy scopes a rule list to a set of agents ("*" targets everyone).
type Policy struct {
	Version     string    `json:"version" yaml:"version"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Agents      []string  `json:"agents" yaml:"agents"`
	Rules       []Rule    `json:"rules" yaml:"rules"`
	Defaults    *Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Targets reports whether the policy applies to the agent.
func (p *Policy) Targets(d did.DID) bool {
	for _, a := range p.Agents {
		if a == "*" || a == string(d) {
			return true
		}
	}
	return false
}

// ValidationError reports a malformed policy document.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validate checks document shape. Regex literals are compiled separately:
// an invalid regex does not fail validation, it fails its rule closed.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return &ValidationError{Msg: "policy name must not be empty"}
	}
	if p.Version == "" {
		return &ValidationError{Msg: fmt.Sprintf("policy %s: version must not be empty", p.Name)}
	}
	if len(p.Agents) == 0 {
		return &ValidationError{Msg: fmt.Sprintf("policy %s: agents must not be empty", p.Name)}
	}
	for _, a := range p.Agents {
		if a != "*" && !did.Valid(a) {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: agent %q is neither a DID nor *", p.Name, a)}
		}
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Name == "" {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: rule %d has no name", p.Name, i)}
		}
		if seen[r.Name] {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: conflicting definitions for rule %q", p.Name, r.Name)}
		}
		seen[r.Name] = true
		if !validAction(r.Action) {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: rule %s: unknown action %q", p.Name, r.Name, r.Action)}
		}
		if r.Condition.Field == "" {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: rule %s: condition field must not be empty", p.Name, r.Name)}
		}
		if !validOperator(r.Condition.Operator) {
			return &ValidationError{Msg: fmt.Sprintf("policy %s: rule %s: unknown operator %q", p.Name, r.Name, r.Condition.Operator)}
		}
	}
	return nil
}

// compiledCondition carries the precompiled regex for matches rules. A nil
// re with wantRegex set means the literal failed to compile: the rule
// evaluates false forever (fail closed).
type compiledCondition struct {
	cond      Condition
	re        *regexp.Regexp
	wantRegex bool
}

func compileCondition(c Condition) compiledCondition {
	cc := compiledCondition{cond: c}
	if c.Operator != OpMatches {
		return cc
	}
	cc.wantRegex = true
	pattern, ok := c.Value.(string)
	if !ok {
		return cc
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return cc
	}
	cc.re = re
	return cc
}
