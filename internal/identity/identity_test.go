package identity_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/crypto"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/pkg/did"
)

func newStore(t *testing.T, opts ...identity.StoreOption) *identity.Store {
	t.Helper()
	return identity.NewStore(opts...)
}

func register(t *testing.T, s *identity.Store, name string) (*identity.Identity, ed25519.PrivateKey) {
	t.Helper()
	id, priv, err := s.Create(context.Background(), identity.RegistrationParams{
		Name:         name,
		Organization: "acme",
		SponsorEmail: "ops@acme.test",
		Capabilities: []string{"translate.text"},
	})
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return id, priv
}

func TestCreate_issuesWellFormedIdentity(t *testing.T) {
	s := newStore(t)
	id, priv := register(t, s, "translator-7")

	if !did.Valid(id.DID.String()) {
		t.Errorf("DID %q is not well formed", id.DID)
	}
	if id.Status != identity.StatusActive {
		t.Errorf("status: got %q, want active", id.Status)
	}
	if len(priv) != ed25519.PrivateKeySize {
		t.Fatalf("private key size: got %d", len(priv))
	}

	// The stored public key must be the private key's public half.
	pub, err := crypto.ParsePublicKey(id.PublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(priv.Public().(ed25519.PublicKey)) {
		t.Error("stored public key does not match returned private key")
	}

	// JWK export carries the DID and no private material.
	k := id.JWK()
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		t.Errorf("jwk type: got kty=%q crv=%q", k.Kty, k.Crv)
	}
	if k.Kid != id.DID.String() {
		t.Errorf("jwk kid: got %q, want %q", k.Kid, id.DID)
	}
	if k.Use != "sig" {
		t.Errorf("jwk use: got %q", k.Use)
	}
	if k.D != "" {
		t.Error("jwk export leaked private key")
	}
}

func TestCreate_distinctDIDsForIdenticalParams(t *testing.T) {
	s := newStore(t)
	a, _ := register(t, s, "twin")
	b, _ := register(t, s, "twin")
	if a.DID == b.DID {
		t.Errorf("two registrations share DID %q", a.DID)
	}
}

func TestCreate_validation(t *testing.T) {
	s := newStore(t)
	cases := []struct {
		name   string
		params identity.RegistrationParams
	}{
		{"empty name", identity.RegistrationParams{SponsorEmail: "a@b.io"}},
		{"blank name", identity.RegistrationParams{Name: "   ", SponsorEmail: "a@b.io"}},
		{"missing sponsor", identity.RegistrationParams{Name: "x"}},
		{"bad sponsor", identity.RegistrationParams{Name: "x", SponsorEmail: "not-an-email"}},
		{"sponsor without tld", identity.RegistrationParams{Name: "x", SponsorEmail: "a@b"}},
		{"malformed capability", identity.RegistrationParams{Name: "x", SponsorEmail: "a@b.io", Capabilities: []string{"Bad Capability!"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Create(context.Background(), tc.params)
			var verr *identity.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestNormalizeCapabilities(t *testing.T) {
	got, err := identity.NormalizeCapabilities([]string{" Translate.Text ", "code.review", "translate.text", ""})
	if err != nil {
		t.Fatalf("NormalizeCapabilities: %v", err)
	}
	want := []string{"code.review", "translate.text"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGet_unknownDID(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), did.MustParse("did:mesh:00000000000000000000000000000000"))
	if !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRevoke_idempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, _ := register(t, s, "rogue")

	rev1, err := s.Revoke(ctx, id.DID, "policy_violation", "admin", nil)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	rev2, err := s.Revoke(ctx, id.DID, "different reason", "someone-else", nil)
	if err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if rev2.Reason != rev1.Reason || rev2.RevokedBy != rev1.RevokedBy {
		t.Errorf("second revoke altered the record: %+v vs %+v", rev2, rev1)
	}

	got, err := s.Get(ctx, id.DID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != identity.StatusRevoked {
		t.Errorf("status after revoke: got %q", got.Status)
	}

	if err := s.Reinstate(ctx, id.DID); !errors.Is(err, identity.ErrRevoked) {
		t.Errorf("Reinstate on revoked: got %v, want ErrRevoked", err)
	}
}

func TestRevoke_unknownDID(t *testing.T) {
	s := newStore(t)
	_, err := s.Revoke(context.Background(), did.MustParse("did:mesh:ffffffffffffffffffffffffffffffff"), "r", "a", nil)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRevoke_temporaryExpiresAtQueryTime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(t, identity.WithNowFunc(func() time.Time { return now }))
	id, _ := register(t, s, "timeout-agent")

	expires := now.Add(time.Hour)
	if _, err := s.Revoke(ctx, id.DID, "cooldown", "admin", &expires); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if got, _ := s.Get(ctx, id.DID); got.Status != identity.StatusRevoked {
		t.Fatalf("status during revocation window: got %q", got.Status)
	}
	if !s.IsRevoked(id.DID) {
		t.Fatal("IsRevoked during window: got false")
	}

	now = now.Add(2 * time.Hour) // revocation entry has expired

	if s.IsRevoked(id.DID) {
		t.Error("IsRevoked after expiry: got true")
	}
	got, err := s.Get(ctx, id.DID)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if got.Status != identity.StatusActive {
		t.Errorf("status after expiry: got %q, want active", got.Status)
	}
}

func TestSuspendReinstate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, _ := register(t, s, "pausable")

	if err := s.Suspend(ctx, id.DID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got, _ := s.Get(ctx, id.DID); got.Status != identity.StatusSuspended {
		t.Errorf("status: got %q, want suspended", got.Status)
	}

	if err := s.Reinstate(ctx, id.DID); err != nil {
		t.Fatalf("Reinstate: %v", err)
	}
	if got, _ := s.Get(ctx, id.DID); got.Status != identity.StatusActive {
		t.Errorf("status: got %q, want active", got.Status)
	}
}

func TestList_filters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a, _ := register(t, s, "alpha")
	if _, _, err := s.Create(ctx, identity.RegistrationParams{
		Name: "beta", Organization: "globex", SponsorEmail: "ops@globex.test",
		Capabilities: []string{"code.review"},
	}); err != nil {
		t.Fatalf("Create beta: %v", err)
	}
	if _, err := s.Revoke(ctx, a.DID, "r", "admin", nil); err != nil {
		t.Fatalf("Revoke alpha: %v", err)
	}

	if got := s.List(ctx, identity.Filter{Status: identity.StatusActive}); len(got) != 1 || got[0].Name != "beta" {
		t.Errorf("active filter: got %d entries", len(got))
	}
	if got := s.List(ctx, identity.Filter{Organization: "acme"}); len(got) != 1 || got[0].Name != "alpha" {
		t.Errorf("org filter: got %d entries", len(got))
	}
	if got := s.List(ctx, identity.Filter{Capability: "code.review"}); len(got) != 1 || got[0].Name != "beta" {
		t.Errorf("capability filter: got %d entries", len(got))
	}
}

func TestJWKS_excludesRevoked(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, _ := register(t, s, "kept")
	b, _ := register(t, s, "dropped")

	if _, err := s.Revoke(ctx, b.DID, "r", "admin", nil); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	set := s.JWKS(ctx)
	if len(set.Keys) != 1 {
		t.Fatalf("jwks carries %d keys, want 1", len(set.Keys))
	}
	if set.Keys[0].Kid != a.DID.String() {
		t.Errorf("jwks kid: got %q, want %q", set.Keys[0].Kid, a.DID)
	}
}

func TestGet_returnsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, _ := register(t, s, "immutable")

	got1, _ := s.Get(ctx, id.DID)
	got1.Capabilities[0] = "tampered"
	got1.Name = "tampered"

	got2, _ := s.Get(ctx, id.DID)
	if got2.Name != "immutable" || got2.Capabilities[0] != "translate.text" {
		t.Error("mutation of a returned identity leaked into the store")
	}
}
