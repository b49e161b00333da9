//go:build property
// +build property

// Package scopechain_test contains property-based tests for delegation
// chain narrowing, hash determinism, and depth bounds.
package scopechain_test

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/scopechain"
	"github.com/agentmesh/agentmesh/pkg/did"
)

var capabilityUniverse = []string{
	"code.review",
	"code.write",
	"deploy.staging",
	"deploy.production",
	"data.read",
	"data.write",
	"billing.audit",
	"infra.provision",
}

type propFixture struct {
	dids    []did.DID
	keys    map[did.DID]ed25519.PublicKey
	signers map[did.DID]*crypto.KeySigner
}

func newPropFixture(tb testing.TB, n int) *propFixture {
	tb.Helper()
	f := &propFixture{
		keys:    make(map[did.DID]ed25519.PublicKey),
		signers: make(map[did.DID]*crypto.KeySigner),
	}
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		pub, priv, err := crypto.GenerateKeypair(nil)
		if err != nil {
			tb.Fatalf("generate keypair: %v", err)
		}
		d := did.Derive(fmt.Sprintf("prop-agent-%d", i), "acme", pub[:8], at)
		f.dids = append(f.dids, d)
		f.keys[d] = pub
		f.signers[d] = crypto.NewKeySigner(priv)
	}
	return f
}

func (f *propFixture) PublicKeyFor(_ context.Context, d did.DID) (ed25519.PublicKey, error) {
	pub, ok := f.keys[d]
	if !ok {
		return nil, fmt.Errorf("no key for %s", d)
	}
	return pub, nil
}

// capsFromMask maps a bitmask onto the capability universe.
func capsFromMask(mask int) []string {
	var out []string
	for i, c := range capabilityUniverse {
		if mask&(1<<i) != 0 {
			out = append(out, c)
		}
	}
	return out
}

func containsAll(super, sub []string) bool {
	set := make(map[string]bool, len(super))
	for _, s := range super {
		set[s] = true
	}
	for _, s := range sub {
		if !set[s] {
			return false
		}
	}
	return true
}

// TestChainNarrowingMonotonic verifies that after any sequence of
// delegations built through the chain API, every link's grant is a subset
// of the grant before it and the whole chain still verifies.
func TestChainNarrowingMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	f := newPropFixture(t, 6)

	properties.Property("delegated capabilities only ever narrow", prop.ForAll(
		func(rootMask int, narrowMasks []int) bool {
			rootCaps := capsFromMask(rootMask | 1) // never empty
			c, err := scopechain.NewChain("sponsor@acme.example", f.dids[0], rootCaps, f.signers[f.dids[0]])
			if err != nil {
				return false
			}

			current := c.EffectiveCapabilities()
			for i, m := range narrowMasks {
				if i+1 >= len(f.dids) || c.Len() >= scopechain.DefaultMaxDepth {
					break
				}
				// Intersect the random mask with the current grant so the
				// request is always legal; an empty intersection keeps the
				// full current grant instead.
				var want []string
				for _, granted := range current {
					for j, u := range capabilityUniverse {
						if u == granted && m&(1<<j) != 0 {
							want = append(want, granted)
						}
					}
				}
				if len(want) == 0 {
					want = current
				}

				from := c.LeafDID()
				link, err := c.NewLink(f.dids[i+1], want, f.signers[from], nil)
				if err != nil {
					return false
				}
				if err := c.AddLink(link); err != nil {
					return false
				}

				next := c.EffectiveCapabilities()
				if !containsAll(current, next) {
					return false
				}
				current = next
			}

			if !containsAll(rootCaps, c.EffectiveCapabilities()) {
				return false
			}
			return c.Verify(context.Background(), f) == nil
		},
		gen.IntRange(1, 255),
		gen.SliceOfN(4, gen.IntRange(0, 255)),
	))

	properties.TestingRun(t)
}

// TestLinkHashDeterminism verifies the link hash is a pure function of the
// hashed fields.
func TestLinkHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("link hash is deterministic", prop.ForAll(
		func(depth int, mask int, prev string) bool {
			l := &scopechain.Link{
				Depth:                 depth % scopechain.DefaultMaxDepth,
				ParentDID:             "did:mesh:0123456789abcdef0123456789abcdef",
				ChildDID:              "did:mesh:fedcba9876543210fedcba9876543210",
				DelegatedCapabilities: capsFromMask(mask | 1),
				PreviousLinkHash:      prev,
			}
			return l.ComputeHash() == l.ComputeHash()
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 255),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestChainRoundTripPreservesValidity verifies export/import keeps any
// valid chain valid.
func TestChainRoundTripPreservesValidity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	f := newPropFixture(t, 4)

	properties.Property("export then import preserves verification", prop.ForAll(
		func(rootMask, hops int) bool {
			rootCaps := capsFromMask(rootMask | 1)
			c, err := scopechain.NewChain("sponsor@acme.example", f.dids[0], rootCaps, f.signers[f.dids[0]])
			if err != nil {
				return false
			}
			for i := 0; i < hops%3; i++ {
				from := c.LeafDID()
				link, err := c.NewLink(f.dids[i+1], c.EffectiveCapabilities(), f.signers[from], nil)
				if err != nil {
					return false
				}
				if err := c.AddLink(link); err != nil {
					return false
				}
			}

			got, err := scopechain.Import(c.Export())
			if err != nil {
				return false
			}
			return got.Verify(context.Background(), f) == nil
		},
		gen.IntRange(1, 255),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
