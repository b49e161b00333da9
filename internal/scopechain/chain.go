package scopechain

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

// DefaultMaxDepth bounds delegation chains unless overridden at creation.
const DefaultMaxDepth = 5

// KeyResolver looks up the registered public key for a DID. The identity
// store satisfies this.
type KeyResolver interface {
	PublicKeyFor(ctx context.Context, d did.DID) (ed25519.PublicKey, error)
}

// Chain is an ordered list of delegation links rooted at a sponsor-backed
// agent. All mutating and reading methods are safe for concurrent use.
type Chain struct {
	mu               sync.Mutex
	chainID          string
	rootSponsorEmail string
	rootCapabilities []string
	maxDepth         int
	links            []*Link

	now      func() time.Time
	verifier crypto.Verifier
}

// ChainOption configures NewChain.
type ChainOption func(*Chain)

// WithMaxDepth overrides DefaultMaxDepth. Values below 1 are ignored.
func WithMaxDepth(n int) ChainOption {
	return func(c *Chain) {
		if n >= 1 {
			c.maxDepth = n
		}
	}
}

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) ChainOption {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChain creates a chain whose root link self-delegates the full root
// capability set, signed by the root agent's key.
func NewChain(sponsorEmail string, rootDID did.DID, capabilities []string, signer crypto.Signer, opts ...ChainOption) (*Chain, error) {
	caps, err := identity.NormalizeCapabilities(capabilities)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	if len(caps) == 0 {
		return nil, &ValidationError{Msg: "root capabilities must not be empty"}
	}

	c := &Chain{
		chainID:          uuid.NewString(),
		rootSponsorEmail: sponsorEmail,
		rootCapabilities: caps,
		maxDepth:         DefaultMaxDepth,
		now:              time.Now,
		verifier:         crypto.Ed25519Verifier{},
	}
	for _, o := range opts {
		o(c)
	}

	root := &Link{
		LinkID:                uuid.NewString(),
		Depth:                 0,
		ParentDID:             rootDID,
		ChildDID:              rootDID,
		ParentCapabilities:    caps,
		DelegatedCapabilities: caps,
		CreatedAt:             c.now().UTC(),
	}
	if err := root.Sign(signer); err != nil {
		return nil, err
	}
	root.LinkHash = root.ComputeHash()

	if err := c.AddLink(root); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLink builds and signs the next delegation step from the current leaf
// to childDID. The link is not attached; pass it to AddLink.
func (c *Chain) NewLink(childDID did.DID, delegated []string, signer crypto.Signer, expiresAt *time.Time) (*Link, error) {
	caps, err := identity.NormalizeCapabilities(delegated)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	c.mu.Lock()
	if len(c.links) >= c.maxDepth {
		depth := len(c.links)
		max := c.maxDepth
		c.mu.Unlock()
		return nil, &DepthError{Depth: depth, MaxDepth: max}
	}
	leaf := c.links[len(c.links)-1]
	link := &Link{
		LinkID:                uuid.NewString(),
		Depth:                 len(c.links),
		ParentDID:             leaf.ChildDID,
		ChildDID:              childDID,
		ParentCapabilities:    append([]string(nil), leaf.DelegatedCapabilities...),
		DelegatedCapabilities: caps,
		PreviousLinkHash:      leaf.LinkHash,
		CreatedAt:             c.now().UTC(),
		ExpiresAt:             expiresAt,
	}
	c.mu.Unlock()

	if !link.delegatesSubsetOfParent() {
		return nil, &ValidationError{Msg: fmt.Sprintf("delegated capabilities %v widen parent set %v", caps, link.ParentCapabilities)}
	}
	if err := link.Sign(signer); err != nil {
		return nil, err
	}
	link.LinkHash = link.ComputeHash()
	return link, nil
}

// AddLink appends a link after enforcing the chain invariants: depth bound,
// consecutive depths, parent/child continuity, monotonic narrowing, hash
// linkage, and hash integrity. Signatures are checked in Verify, where the
// parent keys can be resolved.
func (c *Chain) AddLink(link *Link) error {
	if link == nil {
		return &ValidationError{Msg: "link must not be nil"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.links) >= c.maxDepth {
		return &DepthError{Depth: len(c.links), MaxDepth: c.maxDepth}
	}
	if link.Depth != len(c.links) {
		return &ValidationError{Msg: fmt.Sprintf("link depth %d is not consecutive, want %d", link.Depth, len(c.links))}
	}
	if !link.delegatesSubsetOfParent() {
		return &ValidationError{Msg: "delegated capabilities widen the link's parent set"}
	}

	if len(c.links) == 0 {
		if link.ParentDID != link.ChildDID {
			return &ValidationError{Msg: "root link must be self-issued"}
		}
		if link.PreviousLinkHash != "" {
			return &ValidationError{Msg: "root link must not carry a previous link hash"}
		}
	} else {
		leaf := c.links[len(c.links)-1]
		if link.ParentDID != leaf.ChildDID {
			return &ValidationError{Msg: fmt.Sprintf("link parent %s does not match chain leaf %s", link.ParentDID, leaf.ChildDID)}
		}
		if !subset(link.ParentCapabilities, leaf.DelegatedCapabilities) {
			return &ValidationError{Msg: "link parent capabilities widen the delegating link's grant"}
		}
		if link.PreviousLinkHash != leaf.LinkHash {
			return &ValidationError{Msg: fmt.Sprintf("link %d previous hash does not match leaf hash", link.Depth)}
		}
	}

	if link.ComputeHash() != link.LinkHash {
		return &ValidationError{Msg: fmt.Sprintf("link %d hash mismatch", link.Depth)}
	}

	c.links = append(c.links, link.clone())
	return nil
}

// Verify walks the whole chain: every hash recomputes, linkage and
// narrowing hold, no link is expired, the depth bound holds, and every
// parent signature checks out against the registered key for the parent
// DID. A nil error means the chain is valid now.
func (c *Chain) Verify(ctx context.Context, keys KeyResolver) error {
	c.mu.Lock()
	links := make([]*Link, len(c.links))
	copy(links, c.links)
	maxDepth := c.maxDepth
	now := c.now().UTC()
	verifier := c.verifier
	c.mu.Unlock()

	if len(links) == 0 {
		return &ValidationError{Msg: "chain has no links"}
	}
	if len(links) > maxDepth {
		return &DepthError{Depth: len(links), MaxDepth: maxDepth}
	}

	for i, link := range links {
		if link.Depth != i {
			return &ValidationError{Msg: fmt.Sprintf("link %d carries depth %d", i, link.Depth)}
		}
		if link.ComputeHash() != link.LinkHash {
			return &ValidationError{Msg: fmt.Sprintf("link %d hash mismatch", i)}
		}
		if link.Expired(now) {
			return &ValidationError{Msg: fmt.Sprintf("link %d expired at %s", i, link.ExpiresAt.Format(time.RFC3339))}
		}
		if !link.delegatesSubsetOfParent() {
			return &ValidationError{Msg: fmt.Sprintf("link %d widens its parent capabilities", i)}
		}

		if i == 0 {
			if link.ParentDID != link.ChildDID || link.PreviousLinkHash != "" {
				return &ValidationError{Msg: "root link is not self-issued"}
			}
		} else {
			prev := links[i-1]
			if link.ParentDID != prev.ChildDID {
				return &ValidationError{Msg: fmt.Sprintf("link %d parent does not match link %d child", i, i-1)}
			}
			if !subset(link.ParentCapabilities, prev.DelegatedCapabilities) {
				return &ValidationError{Msg: fmt.Sprintf("link %d widens the capabilities granted at link %d", i, i-1)}
			}
			if link.PreviousLinkHash != prev.LinkHash {
				return &ValidationError{Msg: fmt.Sprintf("link %d previous hash does not match link %d", i, i-1)}
			}
		}

		parentKey, err := keys.PublicKeyFor(ctx, link.ParentDID)
		if err != nil {
			return fmt.Errorf("resolve key for %s: %w", link.ParentDID, err)
		}
		if !link.VerifySignature(verifier, parentKey) {
			return &ValidationError{Msg: fmt.Sprintf("link %d signature invalid", i)}
		}
	}
	return nil
}

// EffectiveCapabilities returns the leaf link's delegated set: what the
// final agent in the chain may actually do.
func (c *Chain) EffectiveCapabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return nil
	}
	leaf := c.links[len(c.links)-1]
	return append([]string(nil), leaf.DelegatedCapabilities...)
}

// TraceCapability returns the prefix of links through which the capability
// survived. Narrowing guarantees a capability never reappears after being
// dropped, so the trace is always a prefix.
func (c *Chain) TraceCapability(capability string) []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Link
	for _, link := range c.links {
		found := false
		for _, granted := range link.DelegatedCapabilities {
			if granted == capability {
				found = true
				break
			}
		}
		if !found {
			break
		}
		out = append(out, link.clone())
	}
	return out
}

// ID returns the chain identifier.
func (c *Chain) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// LeafDID returns the DID currently holding the narrowest grant.
func (c *Chain) LeafDID() did.DID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return ""
	}
	return c.links[len(c.links)-1].ChildDID
}

// Len returns the number of links.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

// Links returns a deep copy of the link list.
func (c *Chain) Links() []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Link, len(c.links))
	for i, l := range c.links {
		out[i] = l.clone()
	}
	return out
}

// Document is the JSON wire format for a chain.
type Document struct {
	ChainID          string   `json:"chain_id"`
	RootSponsorEmail string   `json:"root_sponsor_email"`
	RootCapabilities []string `json:"root_capabilities"`
	LeafDID          did.DID  `json:"leaf_did"`
	LeafCapabilities []string `json:"leaf_capabilities"`
	MaxDepth         int      `json:"max_depth"`
	Links            []*Link  `json:"links"`
}

// Export snapshots the chain into its wire format.
func (c *Chain) Export() *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := &Document{
		ChainID:          c.chainID,
		RootSponsorEmail: c.rootSponsorEmail,
		RootCapabilities: append([]string(nil), c.rootCapabilities...),
		MaxDepth:         c.maxDepth,
		Links:            make([]*Link, len(c.links)),
	}
	for i, l := range c.links {
		doc.Links[i] = l.clone()
	}
	if n := len(c.links); n > 0 {
		leaf := c.links[n-1]
		doc.LeafDID = leaf.ChildDID
		doc.LeafCapabilities = append([]string(nil), leaf.DelegatedCapabilities...)
	}
	return doc
}

// MarshalJSON encodes the wire document.
func (c *Chain) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Export())
}

// Import rebuilds a chain from its wire format, re-validating every link
// through the same invariant checks as AddLink. Signatures still require a
// Verify call with a key resolver.
func Import(doc *Document, opts ...ChainOption) (*Chain, error) {
	if doc == nil {
		return nil, &ValidationError{Msg: "document must not be nil"}
	}
	if doc.ChainID == "" {
		return nil, &ValidationError{Msg: "chain_id must not be empty"}
	}
	maxDepth := doc.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	c := &Chain{
		chainID:          doc.ChainID,
		rootSponsorEmail: doc.RootSponsorEmail,
		rootCapabilities: append([]string(nil), doc.RootCapabilities...),
		maxDepth:         maxDepth,
		now:              time.Now,
		verifier:         crypto.Ed25519Verifier{},
	}
	for _, o := range opts {
		o(c)
	}

	for _, link := range doc.Links {
		if err := c.AddLink(link); err != nil {
			return nil, fmt.Errorf("import link %d: %w", link.Depth, err)
		}
	}
	if len(c.links) == 0 {
		return nil, &ValidationError{Msg: "document has no links"}
	}
	if doc.LeafDID != "" && doc.LeafDID != c.links[len(c.links)-1].ChildDID {
		return nil, &ValidationError{Msg: "document leaf_did does not match final link"}
	}
	return c, nil
}

// ParseDocument decodes and imports a JSON chain.
func ParseDocument(data []byte, opts ...ChainOption) (*Chain, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode chain document: %w", err)
	}
	return Import(&doc, opts...)
}
