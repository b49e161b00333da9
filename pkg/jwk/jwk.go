// Package jwk encodes mesh identity keys as RFC 7517 JSON Web Keys.
//
// Only the OKP/Ed25519 key type (RFC 8037) is supported: the mesh signs
// exclusively with Ed25519. Exported keys carry the owning agent's DID as
// "kid" and "use":"sig"; the private scalar "d" appears only when a private
// export is requested explicitly.
package jwk

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
)

// Errors returned by Key import.
var (
	ErrUnsupportedKeyType = errors.New("jwk: unsupported key type, want OKP/Ed25519")
	ErrMissingPrivate     = errors.New("jwk: key has no private component")
)

// Key is an RFC 7517 JSON Web Key restricted to OKP/Ed25519.
type Key struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
}

// Set is an RFC 7517 JWK Set, served at /.well-known/jwks.json.
type Set struct {
	Keys []Key `json:"keys"`
}

// FromPublic builds the public JWK for an Ed25519 key. kid is the owner DID.
func FromPublic(pub ed25519.PublicKey, kid string) Key {
	return Key{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   b64url(pub),
		Kid: kid,
		Use: "sig",
	}
}

// FromPrivate builds a JWK that includes the private seed. Handle with care;
// this form never leaves the owning process in normal operation.
func FromPrivate(priv ed25519.PrivateKey, kid string) Key {
	k := FromPublic(priv.Public().(ed25519.PublicKey), kid)
	k.D = b64url(priv.Seed())
	return k
}

// Parse decodes and validates a single JWK from JSON bytes.
func Parse(data []byte) (Key, error) {
	var k Key
	if err := json.Unmarshal(data, &k); err != nil {
		return Key{}, fmt.Errorf("decode jwk: %w", err)
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks the key type and the public coordinate.
func (k Key) Validate() error {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return fmt.Errorf("%w: got kty=%q crv=%q", ErrUnsupportedKeyType, k.Kty, k.Crv)
	}
	pub, err := b64urlDecode(k.X)
	if err != nil {
		return fmt.Errorf("jwk: decode x: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("jwk: x carries %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return nil
}

// PublicKey extracts the Ed25519 public key.
func (k Key) PublicKey() (ed25519.PublicKey, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	pub, _ := b64urlDecode(k.X)
	return ed25519.PublicKey(pub), nil
}

// PrivateKey reconstructs the Ed25519 private key from the seed. The derived
// public key must match x.
func (k Key) PrivateKey() (ed25519.PrivateKey, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	if k.D == "" {
		return nil, ErrMissingPrivate
	}
	seed, err := b64urlDecode(k.D)
	if err != nil {
		return nil, fmt.Errorf("jwk: decode d: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("jwk: d carries %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if !priv.Public().(ed25519.PublicKey).Equal(pub) {
		return nil, fmt.Errorf("jwk: d does not correspond to x")
	}
	return priv, nil
}

// Public strips the private component, if any.
func (k Key) Public() Key {
	k.D = ""
	return k
}
