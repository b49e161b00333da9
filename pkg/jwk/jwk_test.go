package jwk_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentmesh/agentmesh/pkg/jwk"
)

func newKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return pub, priv
}

func TestFromPublic_roundTrip(t *testing.T) {
	pub, _ := newKeypair(t)
	kid := "did:mesh:a3f9c2e871b04d6f9e5a1c8b2d7f4e09"

	k := jwk.FromPublic(pub, kid)
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		t.Errorf("key type: got kty=%q crv=%q", k.Kty, k.Crv)
	}
	if k.Kid != kid {
		t.Errorf("kid: got %q, want %q", k.Kid, kid)
	}
	if k.Use != "sig" {
		t.Errorf("use: got %q, want %q", k.Use, "sig")
	}
	if k.D != "" {
		t.Error("public export must not carry d")
	}

	data, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := jwk.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kid != kid {
		t.Errorf("round-tripped kid = %q, want %q", parsed.Kid, kid)
	}
	got, err := parsed.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !got.Equal(pub) {
		t.Error("round-tripped public key differs")
	}
}

func TestFromPrivate_roundTrip(t *testing.T) {
	pub, priv := newKeypair(t)

	k := jwk.FromPrivate(priv, "did:mesh:00000000000000000000000000000000")
	if k.D == "" {
		t.Fatal("private export missing d")
	}

	data, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := jwk.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kid != k.Kid {
		t.Errorf("round-tripped kid = %q, want %q", parsed.Kid, k.Kid)
	}
	restored, err := parsed.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if !restored.Equal(priv) {
		t.Error("restored private key differs")
	}

	// Signatures made with the restored key must verify under the
	// round-tripped public half.
	msg := []byte("round trip probe")
	sig := ed25519.Sign(restored, msg)
	roundPub, err := parsed.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !roundPub.Equal(pub) {
		t.Error("restored public half differs")
	}
	if !ed25519.Verify(roundPub, msg, sig) {
		t.Error("signature by restored key does not verify")
	}

	if k.Public().D != "" {
		t.Error("Public() did not strip d")
	}
}

func TestParse_rejectsNonEd25519(t *testing.T) {
	cases := []string{
		`{"kty":"RSA","n":"abc","e":"AQAB"}`,
		`{"kty":"EC","crv":"P-256","x":"abc","y":"def"}`,
		`{"kty":"OKP","crv":"X25519","x":"abc"}`,
	}
	for _, raw := range cases {
		_, err := jwk.Parse([]byte(raw))
		if !errors.Is(err, jwk.ErrUnsupportedKeyType) {
			t.Errorf("Parse(%s): got %v, want ErrUnsupportedKeyType", raw, err)
		}
	}
}

func TestParse_rejectsBadCoordinate(t *testing.T) {
	if _, err := jwk.Parse([]byte(`{"kty":"OKP","crv":"Ed25519","x":"dG9vc2hvcnQ"}`)); err == nil {
		t.Error("expected error for short x coordinate")
	}
	if _, err := jwk.Parse([]byte(`{"kty":"OKP","crv":"Ed25519","x":"!!!"}`)); err == nil {
		t.Error("expected error for non-base64url x")
	}
}

func TestPrivateKey_missingD(t *testing.T) {
	pub, _ := newKeypair(t)
	k := jwk.FromPublic(pub, "")
	if _, err := k.PrivateKey(); !errors.Is(err, jwk.ErrMissingPrivate) {
		t.Errorf("got %v, want ErrMissingPrivate", err)
	}
}

func TestPrivateKey_mismatchedD(t *testing.T) {
	pub, _ := newKeypair(t)
	_, otherPriv := newKeypair(t)

	k := jwk.FromPrivate(otherPriv, "")
	k.X = jwk.FromPublic(pub, "").X // d no longer corresponds to x
	if _, err := k.PrivateKey(); err == nil {
		t.Error("expected mismatch error")
	}
}
