package scopechain

import "fmt"

// ValidationError reports a link or chain that violates a delegation
// invariant: broken hash linkage, capability widening, bad signature,
// malformed fields.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// DepthError reports an attempt to delegate past the chain's depth bound.
// It is distinct from ValidationError so callers can branch on it.
type DepthError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("delegation depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}
