// Package scopechain implements capability-narrowing delegation chains.
// Each link hands a subset of the parent's capabilities to a child agent;
// links are hash-linked and signed by the delegating parent, so any
// widening, reordering, or tampering is detectable offline.
package scopechain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Link is one delegation step. The root link is self-issued: parent and
// child are the same DID and PreviousLinkHash is empty.
type Link struct {
	LinkID                string     `json:"link_id"`
	Depth                 int        `json:"depth"`
	ParentDID             did.DID    `json:"parent_did"`
	ChildDID              did.DID    `json:"child_did"`
	ParentCapabilities    []string   `json:"parent_capabilities"`
	DelegatedCapabilities []string   `json:"delegated_capabilities"`
	ParentSignature       string     `json:"parent_signature"`
	LinkHash              string     `json:"link_hash"`
	PreviousLinkHash      string     `json:"previous_link_hash,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

// canonical returns the byte string both the hash and the parent signature
// cover: "{depth}|{parent}|{child}|{sorted,comma-joined caps}|{prev hash}".
func (l *Link) canonical() []byte {
	caps := append([]string(nil), l.DelegatedCapabilities...)
	sort.Strings(caps)
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s",
		l.Depth, l.ParentDID, l.ChildDID, strings.Join(caps, ","), l.PreviousLinkHash))
}

// ComputeHash returns the canonical SHA-256 hex for the link's current
// fields.
func (l *Link) ComputeHash() string {
	return crypto.SHA256Hex(l.canonical())
}

// Sign fills ParentSignature over the canonical link bytes.
func (l *Link) Sign(signer crypto.Signer) error {
	sig, err := signer.Sign(l.canonical())
	if err != nil {
		return fmt.Errorf("sign link %s: %w", l.LinkID, err)
	}
	l.ParentSignature = crypto.B64URL(sig)
	return nil
}

// VerifySignature checks ParentSignature against the given parent key.
func (l *Link) VerifySignature(v crypto.Verifier, parentKey []byte) bool {
	sig, err := crypto.B64URLDecode(l.ParentSignature)
	if err != nil {
		return false
	}
	return v.Verify(parentKey, l.canonical(), sig)
}

// Expired reports whether the link's optional expiry has passed.
func (l *Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// delegatesSubsetOfParent checks monotonic narrowing within the link itself.
func (l *Link) delegatesSubsetOfParent() bool {
	return subset(l.DelegatedCapabilities, l.ParentCapabilities)
}

func subset(sub, super []string) bool {
	set := make(map[string]bool, len(super))
	for _, c := range super {
		set[c] = true
	}
	for _, c := range sub {
		if !set[c] {
			return false
		}
	}
	return true
}

func (l *Link) clone() *Link {
	out := *l
	out.ParentCapabilities = append([]string(nil), l.ParentCapabilities...)
	out.DelegatedCapabilities = append([]string(nil), l.DelegatedCapabilities...)
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
