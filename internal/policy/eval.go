package policy

import (
	"reflect"
	"strings"
)

// lookupPath resolves a dot-notated field against the evaluation context.
// Missing segments resolve to (nil, false).
func lookupPath(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evaluate applies the condition to the context. A missing field is null:
// every comparison with null is false except ne.
func (cc compiledCondition) evaluate(ctx map[string]any) bool {
	val, ok := lookupPath(ctx, cc.cond.Field)
	if !ok || val == nil {
		return cc.cond.Operator == OpNe
	}

	switch cc.cond.Operator {
	case OpEq:
		return looseEqual(val, cc.cond.Value)
	case OpNe:
		return !looseEqual(val, cc.cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return orderedCompare(cc.cond.Operator, val, cc.cond.Value)
	case OpIn:
		return memberOf(val, cc.cond.Value)
	case OpNotIn:
		return !memberOf(val, cc.cond.Value)
	case OpMatches:
		if cc.re == nil {
			// Invalid or non-string pattern: fail closed.
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		return cc.re.MatchString(s)
	}
	return false
}

// toFloat normalizes the numeric types YAML and JSON decoding produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// looseEqual compares across the numeric representations different
// decoders produce; everything else compares strictly.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func orderedCompare(op Operator, a, b any) bool {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		if !bok {
			return false
		}
		switch op {
		case OpGt:
			return fa > fb
		case OpGte:
			return fa >= fb
		case OpLt:
			return fa < fb
		case OpLte:
			return fa <= fb
		}
		return false
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return sa > sb
	case OpGte:
		return sa >= sb
	case OpLt:
		return sa < sb
	case OpLte:
		return sa <= sb
	}
	return false
}

// memberOf tests list membership against the rule literal, which must be a
// list for in/not_in rules.
func memberOf(val, literal any) bool {
	switch list := literal.(type) {
	case []any:
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
	case []string:
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, item := range list {
			if s == item {
				return true
			}
		}
	}
	return false
}
