package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/kvstore"
	"github.com/agentmesh/agentmesh/pkg/did"
	"github.com/agentmesh/agentmesh/pkg/jwk"
)

const saltLen = 16

// Store holds registered identities and their revocation list. Reads return
// snapshots; callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	agents map[did.DID]*Identity

	revocations *RevocationList

	now  func() time.Time
	rand io.Reader
	kv   kvstore.Store
	log  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithKV mirrors identity records into a KV backend. Persistence failures
// are logged and do not fail the operation.
func WithKV(kv kvstore.Store) StoreOption {
	return func(s *Store) { s.kv = kv }
}

// WithLogger sets the store logger.
func WithLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRand overrides the entropy source.
func WithRand(r io.Reader) StoreOption {
	return func(s *Store) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewStore returns an empty identity store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		agents: make(map[did.DID]*Identity),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.revocations = NewRevocationList(s.now)
	return s
}

// Revocations exposes the revocation list for sweeps and direct queries.
func (s *Store) Revocations() *RevocationList { return s.revocations }

// Create registers a new identity. The Ed25519 private key is returned to
// the caller exactly once and is not retained.
func (s *Store) Create(ctx context.Context, params RegistrationParams) (*Identity, ed25519.PrivateKey, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}

	pub, priv, err := crypto.GenerateKeypair(s.rand)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	id := &Identity{
		Name:         params.Name,
		Organization: params.Organization,
		SponsorEmail: params.SponsorEmail,
		PublicKey:    crypto.PublicKeyString(pub),
		Capabilities: params.Capabilities,
		Endpoint:     params.Endpoint,
		Status:       StatusActive,
		Metadata:     params.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	for {
		salt, err := crypto.RandomBytes(saltLen)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		d := did.Derive(params.Name, params.Organization, salt, now)
		if _, taken := s.agents[d]; !taken {
			id.DID = d
			break
		}
	}
	s.agents[id.DID] = id
	snapshot := id.clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return snapshot, priv, nil
}

// Get returns the identity with its effective status. A DID whose revocation
// has expired reads as unrevoked here; the expiry check runs on every call.
func (s *Store) Get(_ context.Context, d did.DID) (*Identity, error) {
	s.mu.RLock()
	id, ok := s.agents[d]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("agent %s: %w", d, ErrNotFound)
	}
	out := id.clone()
	s.mu.RUnlock()

	if s.revocations.IsRevoked(d) {
		out.Status = StatusRevoked
	}
	return out, nil
}

// PublicKeyFor resolves the registered Ed25519 key for a DID, regardless of
// status. Callers enforce status separately when it matters.
func (s *Store) PublicKeyFor(ctx context.Context, d did.DID) (ed25519.PublicKey, error) {
	s.mu.RLock()
	id, ok := s.agents[d]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", d, ErrNotFound)
	}
	return crypto.ParsePublicKey(id.PublicKey)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status       Status
	Organization string
	Capability   string
}

// List returns identity snapshots matching the filter, ordered by DID.
func (s *Store) List(_ context.Context, f Filter) []*Identity {
	s.mu.RLock()
	out := make([]*Identity, 0, len(s.agents))
	for _, id := range s.agents {
		out = append(out, id.clone())
	}
	s.mu.RUnlock()

	filtered := out[:0]
	for _, id := range out {
		if s.revocations.IsRevoked(id.DID) {
			id.Status = StatusRevoked
		}
		if f.Status != "" && id.Status != f.Status {
			continue
		}
		if f.Organization != "" && id.Organization != f.Organization {
			continue
		}
		if f.Capability != "" && !id.HasCapability(f.Capability) {
			continue
		}
		filtered = append(filtered, id)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].DID < filtered[j].DID })
	return filtered
}

// Revoke places the DID on the revocation list. Revoking an already revoked
// identity is a no-op that returns the original record.
func (s *Store) Revoke(ctx context.Context, d did.DID, reason, revokedBy string, expiresAt *time.Time) (*Revocation, error) {
	s.mu.RLock()
	id, ok := s.agents[d]
	var snapshot *Identity
	if ok {
		snapshot = id.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", d, ErrNotFound)
	}

	rev := s.revocations.Add(d, reason, revokedBy, expiresAt)
	s.touch(d)
	snapshot.Status = StatusRevoked
	s.persist(ctx, snapshot)
	return rev, nil
}

// Suspend pauses an identity without revoking it.
func (s *Store) Suspend(ctx context.Context, d did.DID) error {
	return s.setStatus(ctx, d, StatusSuspended)
}

// Reinstate returns a suspended identity to active. Identities with an
// active revocation cannot be reinstated this way.
func (s *Store) Reinstate(ctx context.Context, d did.DID) error {
	if s.revocations.IsRevoked(d) {
		return fmt.Errorf("agent %s: %w", d, ErrRevoked)
	}
	return s.setStatus(ctx, d, StatusActive)
}

// Restore lifts an agent's revocation and returns it to active. Only the
// attested admin reinstatement flow calls this; ordinary reinstatement
// refuses revoked identities.
func (s *Store) Restore(ctx context.Context, d did.DID) error {
	s.revocations.Remove(d)
	return s.setStatus(ctx, d, StatusActive)
}

// IsRevoked reports whether the DID currently has an active revocation.
func (s *Store) IsRevoked(d did.DID) bool {
	return s.revocations.IsRevoked(d)
}

// JWKS exports the public keys of all non-revoked identities.
func (s *Store) JWKS(ctx context.Context) jwk.Set {
	ids := s.List(ctx, Filter{Status: StatusActive})
	set := jwk.Set{Keys: make([]jwk.Key, 0, len(ids))}
	for _, id := range ids {
		set.Keys = append(set.Keys, id.JWK())
	}
	return set
}

// Counts returns the number of identities per effective status.
func (s *Store) Counts(ctx context.Context) map[Status]int {
	counts := make(map[Status]int, 3)
	for _, id := range s.List(ctx, Filter{}) {
		counts[id.Status]++
	}
	return counts
}

// Len returns the number of registered identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

func (s *Store) setStatus(ctx context.Context, d did.DID, status Status) error {
	s.mu.Lock()
	id, ok := s.agents[d]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", d, ErrNotFound)
	}
	id.Status = status
	id.UpdatedAt = s.now().UTC()
	snapshot := id.clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return nil
}

func (s *Store) touch(d did.DID) {
	s.mu.Lock()
	if id, ok := s.agents[d]; ok {
		id.UpdatedAt = s.now().UTC()
	}
	s.mu.Unlock()
}

// persist mirrors a record into the KV backend. Failures are non-fatal: the
// in-memory store stays authoritative.
func (s *Store) persist(ctx context.Context, id *Identity) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(id)
	if err != nil {
		s.log.Warn("identity encode failed (non-fatal)", zap.String("did", id.DID.String()), zap.Error(err))
		return
	}
	if err := s.kv.Set(ctx, "agent:"+id.DID.String(), string(data), 0); err != nil {
		s.log.Warn("identity persist failed (non-fatal)", zap.String("did", id.DID.String()), zap.Error(err))
	}
}

func (id *Identity) clone() *Identity {
	out := *id
	out.Capabilities = append([]string(nil), id.Capabilities...)
	if id.Metadata != nil {
		out.Metadata = make(map[string]string, len(id.Metadata))
		for k, v := range id.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
