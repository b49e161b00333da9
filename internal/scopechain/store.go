package scopechain

import (
	"sort"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/did"
)

// Store holds live chains by ID. Chains are internally synchronized, so the
// store only guards the map itself.
type Store struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

// NewStore returns an empty chain store.
func NewStore() *Store {
	return &Store{chains: make(map[string]*Chain)}
}

// Save inserts or replaces a chain under its ID.
func (s *Store) Save(c *Chain) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.chains[c.ID()] = c
	s.mu.Unlock()
}

// Get returns the chain with the given ID, or nil if absent.
func (s *Store) Get(chainID string) *Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains[chainID]
}

// Delete removes a chain. Deleting an absent ID is a no-op.
func (s *Store) Delete(chainID string) {
	s.mu.Lock()
	delete(s.chains, chainID)
	s.mu.Unlock()
}

// ByLeaf returns every chain whose current leaf is the given DID.
func (s *Store) ByLeaf(d did.DID) []*Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Chain
	for _, c := range s.chains {
		if c.LeafDID() == d {
			out = append(out, c)
		}
	}
	return out
}

// IDs returns all chain IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored chains.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains)
}
