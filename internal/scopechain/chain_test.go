package scopechain

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/pkg/did"
)

type fixture struct {
	keys    map[did.DID]ed25519.PublicKey
	signers map[did.DID]*crypto.KeySigner
	now     time.Time
}

func newFixture(t *testing.T, n int) (*fixture, []did.DID) {
	t.Helper()
	f := &fixture{
		keys:    make(map[did.DID]ed25519.PublicKey),
		signers: make(map[did.DID]*crypto.KeySigner),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	dids := make([]did.DID, n)
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKeypair(nil)
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		d := did.Derive(fmt.Sprintf("agent-%d", i), "acme", pub[:8], f.now)
		f.keys[d] = pub
		f.signers[d] = crypto.NewKeySigner(priv)
		dids[i] = d
	}
	return f, dids
}

func (f *fixture) PublicKeyFor(_ context.Context, d did.DID) (ed25519.PublicKey, error) {
	pub, ok := f.keys[d]
	if !ok {
		return nil, fmt.Errorf("no key for %s", d)
	}
	return pub, nil
}

func (f *fixture) chain(t *testing.T, rootDID did.DID, caps []string, opts ...ChainOption) *Chain {
	t.Helper()
	opts = append(opts, WithNowFunc(func() time.Time { return f.now }))
	c, err := NewChain("sponsor@acme.example", rootDID, caps, f.signers[rootDID], opts...)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return c
}

func (f *fixture) delegate(t *testing.T, c *Chain, from, to did.DID, caps []string) *Link {
	t.Helper()
	link, err := c.NewLink(to, caps, f.signers[from], nil)
	if err != nil {
		t.Fatalf("new link %s -> %s: %v", from, to, err)
	}
	if err := c.AddLink(link); err != nil {
		t.Fatalf("add link %s -> %s: %v", from, to, err)
	}
	return link
}

func TestNewChainRootLink(t *testing.T) {
	f, dids := newFixture(t, 1)
	c := f.chain(t, dids[0], []string{"code.review", "deploy.staging"})

	links := c.Links()
	if len(links) != 1 {
		t.Fatalf("got %d links, want 1", len(links))
	}
	root := links[0]
	if root.Depth != 0 {
		t.Errorf("root depth = %d, want 0", root.Depth)
	}
	if root.ParentDID != dids[0] || root.ChildDID != dids[0] {
		t.Errorf("root link not self-issued: parent=%s child=%s", root.ParentDID, root.ChildDID)
	}
	if root.PreviousLinkHash != "" {
		t.Errorf("root previous hash = %q, want empty", root.PreviousLinkHash)
	}
	if root.LinkHash != root.ComputeHash() {
		t.Error("root hash does not recompute")
	}
	if err := c.Verify(context.Background(), f); err != nil {
		t.Errorf("verify fresh chain: %v", err)
	}
}

func TestDelegationNarrowsAndVerifies(t *testing.T) {
	f, dids := newFixture(t, 3)
	c := f.chain(t, dids[0], []string{"code.review", "deploy.staging", "deploy.production"})

	f.delegate(t, c, dids[0], dids[1], []string{"code.review", "deploy.staging"})
	f.delegate(t, c, dids[1], dids[2], []string{"code.review"})

	if got := c.Len(); got != 3 {
		t.Fatalf("chain length = %d, want 3", got)
	}
	if got := c.LeafDID(); got != dids[2] {
		t.Errorf("leaf = %s, want %s", got, dids[2])
	}
	if got := c.EffectiveCapabilities(); len(got) != 1 || got[0] != "code.review" {
		t.Errorf("effective capabilities = %v, want [code.review]", got)
	}
	if err := c.Verify(context.Background(), f); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestDelegationCannotWiden(t *testing.T) {
	f, dids := newFixture(t, 3)
	c := f.chain(t, dids[0], []string{"code.review"})

	if _, err := c.NewLink(dids[1], []string{"code.review", "deploy.production"}, f.signers[dids[0]], nil); err == nil {
		t.Fatal("widening delegation built without error")
	}

	// A forged link that widens must be rejected by AddLink too.
	f.delegate(t, c, dids[0], dids[1], []string{"code.review"})
	leaf := c.Links()[1]
	forged := &Link{
		LinkID:                "forged",
		Depth:                 2,
		ParentDID:             dids[1],
		ChildDID:              dids[2],
		ParentCapabilities:    []string{"code.review", "deploy.production"},
		DelegatedCapabilities: []string{"deploy.production"},
		PreviousLinkHash:      leaf.LinkHash,
		CreatedAt:             f.now,
	}
	if err := forged.Sign(f.signers[dids[1]]); err != nil {
		t.Fatalf("sign forged link: %v", err)
	}
	forged.LinkHash = forged.ComputeHash()

	err := c.AddLink(forged)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddLink(widening) = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Msg, "widen") {
		t.Errorf("error %q does not mention widening", verr.Msg)
	}
}

func TestDepthLimit(t *testing.T) {
	f, dids := newFixture(t, 4)
	c := f.chain(t, dids[0], []string{"code.review"}, WithMaxDepth(3))

	f.delegate(t, c, dids[0], dids[1], []string{"code.review"})
	f.delegate(t, c, dids[1], dids[2], []string{"code.review"})

	_, err := c.NewLink(dids[3], []string{"code.review"}, f.signers[dids[2]], nil)
	var derr *DepthError
	if !errors.As(err, &derr) {
		t.Fatalf("NewLink beyond max = %v, want DepthError", err)
	}
	if derr.Depth != 3 || derr.MaxDepth != 3 {
		t.Errorf("DepthError = %+v, want depth 3 max 3", derr)
	}
	if got := derr.Error(); !strings.Contains(got, "exceeds maximum") {
		t.Errorf("DepthError message = %q", got)
	}
}

func TestDefaultMaxDepth(t *testing.T) {
	f, dids := newFixture(t, 7)
	c := f.chain(t, dids[0], []string{"code.review"})

	for i := 1; i < 5; i++ {
		f.delegate(t, c, dids[i-1], dids[i], []string{"code.review"})
	}
	if c.Len() != 5 {
		t.Fatalf("chain length = %d, want 5", c.Len())
	}
	if _, err := c.NewLink(dids[5], []string{"code.review"}, f.signers[dids[4]], nil); err == nil {
		t.Error("sixth link allowed past default max depth")
	}
}

func TestAddLinkRejectsBrokenLinkage(t *testing.T) {
	f, dids := newFixture(t, 3)

	tamper := []struct {
		name   string
		mutate func(*Link)
		want   string
	}{
		{"wrong depth", func(l *Link) { l.Depth = 5 }, "not consecutive"},
		{"wrong parent", func(l *Link) { l.ParentDID = dids[2] }, "does not match chain leaf"},
		{"wrong previous hash", func(l *Link) { l.PreviousLinkHash = strings.Repeat("0", 64) }, "previous hash"},
		{"stale hash", func(l *Link) { l.DelegatedCapabilities = nil }, "hash mismatch"},
	}
	for _, tc := range tamper {
		t.Run(tc.name, func(t *testing.T) {
			c := f.chain(t, dids[0], []string{"code.review"})
			link, err := c.NewLink(dids[1], []string{"code.review"}, f.signers[dids[0]], nil)
			if err != nil {
				t.Fatalf("new link: %v", err)
			}
			tc.mutate(link)
			err = c.AddLink(link)
			if err == nil {
				t.Fatal("tampered link accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestVerifyDetectsTamperedCapabilities(t *testing.T) {
	f, dids := newFixture(t, 2)
	c := f.chain(t, dids[0], []string{"code.review", "deploy.staging"})
	f.delegate(t, c, dids[0], dids[1], []string{"code.review"})

	// Grab the internal slice and widen it behind the chain's back.
	c.mu.Lock()
	c.links[1].DelegatedCapabilities = []string{"code.review", "deploy.staging"}
	c.mu.Unlock()

	err := c.Verify(context.Background(), f)
	if err == nil {
		t.Fatal("verify accepted tampered link")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("verify error = %q, want hash mismatch", err)
	}
}

func TestVerifyDetectsBadSignature(t *testing.T) {
	f, dids := newFixture(t, 2)
	c := f.chain(t, dids[0], []string{"code.review"})
	f.delegate(t, c, dids[0], dids[1], []string{"code.review"})

	// Re-sign link 1 with the child's key instead of the parent's, keeping
	// the hash consistent so only the signature check can catch it.
	c.mu.Lock()
	if err := c.links[1].Sign(f.signers[dids[1]]); err != nil {
		c.mu.Unlock()
		t.Fatalf("re-sign: %v", err)
	}
	c.mu.Unlock()

	err := c.Verify(context.Background(), f)
	if err == nil || !strings.Contains(err.Error(), "signature invalid") {
		t.Errorf("verify = %v, want signature invalid", err)
	}
}

func TestVerifyExpiredLink(t *testing.T) {
	f, dids := newFixture(t, 2)
	c := f.chain(t, dids[0], []string{"code.review"})

	expiry := f.now.Add(30 * time.Minute)
	link, err := c.NewLink(dids[1], []string{"code.review"}, f.signers[dids[0]], &expiry)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if err := c.AddLink(link); err != nil {
		t.Fatalf("add link: %v", err)
	}

	if err := c.Verify(context.Background(), f); err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}

	f.now = f.now.Add(time.Hour)
	err = c.Verify(context.Background(), f)
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("verify after expiry = %v, want expired", err)
	}

	// Expiry invalidates queries without mutating the chain.
	if c.Len() != 2 {
		t.Errorf("chain length changed to %d after expired verify", c.Len())
	}
}

func TestTraceCapability(t *testing.T) {
	f, dids := newFixture(t, 3)
	c := f.chain(t, dids[0], []string{"code.review", "deploy.staging"})
	f.delegate(t, c, dids[0], dids[1], []string{"code.review", "deploy.staging"})
	f.delegate(t, c, dids[1], dids[2], []string{"code.review"})

	if got := len(c.TraceCapability("code.review")); got != 3 {
		t.Errorf("trace code.review = %d links, want 3", got)
	}
	if got := len(c.TraceCapability("deploy.staging")); got != 2 {
		t.Errorf("trace deploy.staging = %d links, want 2", got)
	}
	if got := c.TraceCapability("deploy.production"); got != nil {
		t.Errorf("trace unknown capability = %v, want nil", got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f, dids := newFixture(t, 3)
	c := f.chain(t, dids[0], []string{"code.review", "deploy.staging"})
	f.delegate(t, c, dids[0], dids[1], []string{"deploy.staging"})
	f.delegate(t, c, dids[1], dids[2], []string{"deploy.staging"})

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParseDocument(data, WithNowFunc(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	if got.ID() != c.ID() {
		t.Errorf("chain ID = %s, want %s", got.ID(), c.ID())
	}
	if got.LeafDID() != dids[2] {
		t.Errorf("leaf = %s, want %s", got.LeafDID(), dids[2])
	}
	if err := got.Verify(context.Background(), f); err != nil {
		t.Errorf("verify imported chain: %v", err)
	}

	// Tampering with the serialized form must fail on import.
	tampered := strings.Replace(string(data), "deploy.staging", "deploy.producti", 1)
	if _, err := ParseDocument([]byte(tampered)); err == nil {
		t.Error("tampered document imported without error")
	}
}

func TestImportRejectsMismatchedLeaf(t *testing.T) {
	f, dids := newFixture(t, 2)
	c := f.chain(t, dids[0], []string{"code.review"})
	f.delegate(t, c, dids[0], dids[1], []string{"code.review"})

	doc := c.Export()
	doc.LeafDID = dids[0]
	if _, err := Import(doc); err == nil {
		t.Error("document with wrong leaf_did imported without error")
	}
}

func TestStore(t *testing.T) {
	f, dids := newFixture(t, 2)
	s := NewStore()

	c1 := f.chain(t, dids[0], []string{"code.review"})
	c2 := f.chain(t, dids[0], []string{"deploy.staging"})
	f.delegate(t, c2, dids[0], dids[1], []string{"deploy.staging"})

	s.Save(c1)
	s.Save(c2)

	if s.Len() != 2 {
		t.Fatalf("store length = %d, want 2", s.Len())
	}
	if got := s.Get(c1.ID()); got != c1 {
		t.Error("Get returned wrong chain")
	}
	if got := s.ByLeaf(dids[1]); len(got) != 1 || got[0] != c2 {
		t.Errorf("ByLeaf = %v, want [c2]", got)
	}
	if got := s.IDs(); len(got) != 2 {
		t.Errorf("IDs = %v, want 2 entries", got)
	}

	s.Delete(c1.ID())
	if s.Get(c1.ID()) != nil {
		t.Error("chain still present after delete")
	}
}

func TestLinkHashCoversEveryField(t *testing.T) {
	base := &Link{
		Depth:                 1,
		ParentDID:             did.DID("did:mesh:" + strings.Repeat("a", 32)),
		ChildDID:              did.DID("did:mesh:" + strings.Repeat("b", 32)),
		DelegatedCapabilities: []string{"code.review", "deploy.staging"},
		PreviousLinkHash:      strings.Repeat("c", 64),
	}
	h := base.ComputeHash()

	mutations := []struct {
		name   string
		mutate func(*Link)
	}{
		{"depth", func(l *Link) { l.Depth = 2 }},
		{"parent", func(l *Link) { l.ParentDID = did.DID("did:mesh:" + strings.Repeat("d", 32)) }},
		{"child", func(l *Link) { l.ChildDID = did.DID("did:mesh:" + strings.Repeat("e", 32)) }},
		{"capabilities", func(l *Link) { l.DelegatedCapabilities = []string{"code.review"} }},
		{"previous hash", func(l *Link) { l.PreviousLinkHash = strings.Repeat("f", 64) }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			l := base.clone()
			tc.mutate(l)
			if l.ComputeHash() == h {
				t.Errorf("hash unchanged after mutating %s", tc.name)
			}
		})
	}

	// Capability order must not affect the hash.
	reordered := base.clone()
	reordered.DelegatedCapabilities = []string{"deploy.staging", "code.review"}
	if reordered.ComputeHash() != h {
		t.Error("hash depends on capability order")
	}
}
