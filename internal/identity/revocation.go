package identity

import (
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// Revocation is one entry on the revocation list. A nil ExpiresAt makes the
// revocation permanent; otherwise the entry stops applying once ExpiresAt
// passes, which is checked at query time, never by background timing.
type Revocation struct {
	DID       did.DID    `json:"did"`
	Reason    string     `json:"reason"`
	RevokedBy string     `json:"revoked_by,omitempty"`
	RevokedAt time.Time  `json:"revoked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// activeAt reports whether the revocation applies at the given instant.
func (r *Revocation) activeAt(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// RevocationList tracks revoked DIDs. Adding is idempotent: the first record
// for a DID wins and later calls do not alter it.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[did.DID]*Revocation
	now     func() time.Time
}

// NewRevocationList returns an empty list reading time from now; nil selects
// the wall clock.
func NewRevocationList(now func() time.Time) *RevocationList {
	if now == nil {
		now = time.Now
	}
	return &RevocationList{
		entries: make(map[did.DID]*Revocation),
		now:     now,
	}
}

// Add records a revocation. Returns the effective record, which is the
// pre-existing one when the DID was already revoked.
func (l *RevocationList) Add(d did.DID, reason, revokedBy string, expiresAt *time.Time) *Revocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[d]; ok && existing.activeAt(l.now()) {
		return existing
	}
	r := &Revocation{
		DID:       d,
		Reason:    reason,
		RevokedBy: revokedBy,
		RevokedAt: l.now().UTC(),
		ExpiresAt: expiresAt,
	}
	l.entries[d] = r
	return r
}

// IsRevoked reports whether the DID has an unexpired revocation. Expiry is
// evaluated against the list clock on every call.
func (l *RevocationList) IsRevoked(d did.DID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.entries[d]
	return ok && r.activeAt(l.now())
}

// Get returns the revocation record for a DID if one exists, expired or not.
func (l *RevocationList) Get(d did.DID) (*Revocation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.entries[d]
	return r, ok
}

// Remove lifts a revocation, reporting whether an entry existed. Used by
// the admin reinstatement flow; everything else leaves entries to expire.
func (l *RevocationList) Remove(d did.DID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[d]
	delete(l.entries, d)
	return ok
}

// Sweep drops expired entries and reports how many were removed. Sweeping is
// an optimization; IsRevoked is correct without it.
func (l *RevocationList) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for d, r := range l.entries {
		if !r.activeAt(now) {
			delete(l.entries, d)
			n++
		}
	}
	return n
}

// Len returns the number of entries currently held, including expired ones
// not yet swept.
func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
