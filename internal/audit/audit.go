// Package audit implements the tamper-evident governance journal. Entries
// form a hash chain (each entry binds its predecessor's hash) and a binary
// Merkle tree over the entry hashes provides compact membership proofs, so
// a verifier holding only the ordered entries and a claimed root can detect
// any mutation, insertion, deletion, or reordering offline.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// Outcome classifies how the audited action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomePartial Outcome = "partial"
)

func validOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied, OutcomePartial:
		return true
	}
	return false
}

// Entry is one journal record. EntryID, Timestamp, PreviousHash, and
// EntryHash are assigned by the log on append; callers fill the rest.
// Stored entries must be treated as immutable.
type Entry struct {
	EntryID        string         `json:"entry_id"`
	Timestamp      time.Time      `json:"timestamp"`
	EventType      string         `json:"event_type"`
	AgentDID       did.DID        `json:"agent_did"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	PolicyDecision string         `json:"policy_decision,omitempty"`
	PreviousHash   string         `json:"previous_hash"`
	EntryHash      string         `json:"entry_hash,omitempty"`
}

// Error reports a journal integrity or canonicalization failure.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

// canonicalBytes renders the entry as RFC 8785 canonical JSON with the
// entry_hash field excluded. previous_hash is always present, empty string
// for the first entry; empty optionals are omitted entirely.
func canonicalBytes(e *Entry) ([]byte, error) {
	clone := *e
	clone.EntryHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("canonicalization failed: %v", err)}
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("canonicalization failed: %v", err)}
	}
	return canonical, nil
}

// hashEntry computes the hex SHA-256 of the entry's canonical form.
func hashEntry(e *Entry) (string, error) {
	canonical, err := canonicalBytes(e)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(canonical), nil
}
