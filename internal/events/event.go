// Package events provides the in-process pub/sub bus mesh components
// broadcast state changes on.
//
// Topics are dot-separated names ("trust.handshake.completed"); subscribers
// register glob patterns ("trust.*", "*"). Delivery is either synchronous
// (inline with the publisher, per-topic FIFO) or asynchronous through a
// bounded queue that drops the oldest event under overflow. The bus is a
// notification fabric only: governance decisions never depend on delivery.
package events

import "time"

// Well-known topics published by the core components.
const (
	TopicIdentityCreated    = "identity.agent.created"
	TopicIdentityRevoked    = "identity.agent.revoked"
	TopicCredentialIssued   = "credential.issued"
	TopicCredentialRevoked  = "credential.revoked"
	TopicHandshakeCompleted = "trust.handshake.completed"
	TopicHandshakeFailed    = "trust.handshake.failed"
	TopicScoreUpdated       = "trust.score.updated"
	TopicTierChanged        = "trust.tier.changed"
	TopicAgentAutoRevoked   = "trust.agent.auto_revoked"
	TopicPolicyEvaluated    = "policy.evaluated"
	TopicPolicyViolation    = "policy.violation"
	TopicAuditAppended      = "audit.entry.appended"
	TopicDelegationAdded    = "delegation.link.added"
	TopicRateLimited        = "ratelimit.rejected"
)

// Event is a single bus message. Payload values must be JSON-encodable so
// events can cross the KV bridge unchanged.
type Event struct {
	Topic   string         `json:"topic"`
	Source  string         `json:"source,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers must not retain the payload map.
type Handler func(Event)

// Bus is the publishing contract components depend on.
type Bus interface {
	// Subscribe registers a handler for topics matching pattern and
	// returns an unsubscribe func. Unsubscribe is idempotent.
	Subscribe(pattern string, h Handler) (unsubscribe func())
	// Publish broadcasts an event to all matching subscribers.
	Publish(topic string, payload map[string]any)
}
