package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// agentResolver is the slice of the identity store the manager needs.
type agentResolver interface {
	Get(ctx context.Context, d did.DID) (*identity.Identity, error)
}

// Manager issues, validates, rotates, and revokes credentials. Lookups are
// indexed by both token and credential ID.
type Manager struct {
	mu      sync.RWMutex
	byID    map[string]*Credential
	byToken map[string]*Credential

	agents     agentResolver
	now        func() time.Time
	log        *zap.Logger
	defaultTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithDefaultTTL replaces the lifetime DefaultTTL advertises, clamped to
// [MinTTL, MaxTTL].
func WithDefaultTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ClampTTL(ttl)
		}
	}
}

// NewManager returns an empty credential manager bound to an identity
// resolver.
func NewManager(agents agentResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		byID:       make(map[string]*Credential),
		byToken:    make(map[string]*Credential),
		agents:     agents,
		now:        time.Now,
		log:        zap.NewNop(),
		defaultTTL: DefaultTTL,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Issue mints a credential for an active agent. A positive TTL is clamped
// to [MinTTL, MaxTTL]; a zero TTL mints a credential that expires at issue;
// negative is rejected. Callers wanting the configured default pass
// DefaultTTL. An empty scope list snapshots the owner's full capability
// set; a non-empty list must be a subset of it.
func (m *Manager) Issue(ctx context.Context, d did.DID, ttl time.Duration, scopes []string) (*Credential, error) {
	if ttl < 0 {
		return nil, &ValidationError{Msg: "ttl must not be negative"}
	}
	owner, err := m.agents.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	if owner.Status != identity.StatusActive {
		return nil, fmt.Errorf("agent %s is %s: %w", d, owner.Status, identity.ErrRevoked)
	}

	if len(scopes) == 0 {
		scopes = append([]string(nil), owner.Capabilities...)
	} else {
		normalized, err := identity.NormalizeCapabilities(scopes)
		if err != nil {
			return nil, &ValidationError{Msg: err.Error()}
		}
		if !subsetOf(normalized, owner.Capabilities) {
			return nil, scopeError(normalized)
		}
		scopes = normalized
	}

	token, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	expires := now
	if ttl > 0 {
		expires = now.Add(ClampTTL(ttl))
	}
	cred := &Credential{
		ID:        uuid.NewString(),
		AgentDID:  d,
		Token:     token,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: expires,
	}

	m.mu.Lock()
	m.byID[cred.ID] = cred
	m.byToken[cred.Token] = cred
	m.mu.Unlock()

	out := *cred
	return &out, nil
}

// Validate resolves a bearer token. The error distinguishes unknown, expired,
// and revoked tokens so callers can audit the reason.
func (m *Manager) Validate(_ context.Context, token string) (*Credential, error) {
	m.mu.RLock()
	cred, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if cred.Revoked {
		return nil, ErrRevoked
	}
	if !m.now().Before(cred.ExpiresAt) {
		return nil, ErrExpired
	}
	out := *cred
	return &out, nil
}

// DefaultTTL is the lifetime applied when a caller does not name one.
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// Get looks up a credential by ID.
func (m *Manager) Get(_ context.Context, credentialID string) (*Credential, error) {
	m.mu.RLock()
	cred, ok := m.byID[credentialID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := *cred
	return &out, nil
}

// Revoke marks a credential unusable. Revoking twice is a no-op.
func (m *Manager) Revoke(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[credentialID]
	if !ok {
		return ErrNotFound
	}
	cred.Revoked = true
	return nil
}

// RevokeAllForAgent revokes every live credential owned by the DID. Used
// when the identity itself is revoked.
func (m *Manager) RevokeAllForAgent(_ context.Context, d did.DID) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cred := range m.byID {
		if cred.AgentDID == d && cred.Live(now) {
			cred.Revoked = true
			n++
		}
	}
	return n
}

// Rotate issues a successor with the same scopes and remaining owner checks,
// then revokes the predecessor. Ordering guarantees the agent always holds
// at least one live credential during rotation.
func (m *Manager) Rotate(ctx context.Context, credentialID string) (*Credential, error) {
	old, err := m.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return nil, ErrRevoked
	}

	replacement, err := m.Issue(ctx, old.AgentDID, old.ExpiresAt.Sub(old.IssuedAt), old.Scopes)
	if err != nil {
		return nil, fmt.Errorf("rotate %s: %w", credentialID, err)
	}
	if err := m.Revoke(ctx, credentialID); err != nil {
		// The replacement stays valid; the old credential will still age out.
		m.log.Warn("rotate could not revoke predecessor",
			zap.String("credential_id", credentialID), zap.Error(err))
	}
	return replacement, nil
}

// ExpiringSoon lists live credentials within threshold of expiry.
func (m *Manager) ExpiringSoon(_ context.Context, threshold time.Duration) []*Credential {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Credential
	for _, cred := range m.byID {
		if cred.ExpiringSoon(now, threshold) {
			c := *cred
			out = append(out, &c)
		}
	}
	return out
}

// SweepExpired drops expired and revoked credentials from the indexes.
// Validation is correct without sweeping; this only bounds memory.
func (m *Manager) SweepExpired(_ context.Context) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, cred := range m.byID {
		if !cred.Live(now) {
			delete(m.byID, id)
			delete(m.byToken, cred.Token)
			n++
		}
	}
	return n
}

// Len reports how many credentials are indexed, live or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
