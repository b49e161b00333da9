// Package crypto wraps the Ed25519 and SHA-256 primitives the mesh is built
// on. All byte-level encodings cross package boundaries as unpadded
// base64url strings; hashes as lowercase hex.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Signer produces Ed25519 signatures for a single identity. Implementations
// must be safe for concurrent use.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Public() ed25519.PublicKey
}

// Verifier checks Ed25519 signatures. The package-level Ed25519Verifier is
// the production implementation; tests may substitute fakes.
type Verifier interface {
	Verify(pub ed25519.PublicKey, message, sig []byte) bool
}

// GenerateKeypair creates a new Ed25519 keypair. A nil reader selects
// crypto/rand.
func GenerateKeypair(r io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	priv ed25519.PrivateKey
}

// NewKeySigner wraps an Ed25519 private key.
func NewKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv}
}

func (s *KeySigner) Sign(message []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer has no usable private key")
	}
	return ed25519.Sign(s.priv, message), nil
}

func (s *KeySigner) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Ed25519Verifier verifies signatures with the standard library. The
// verification is constant time with respect to the signature bytes.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// B64URL encodes bytes as unpadded base64url.
func B64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64URLDecode decodes an unpadded base64url string.
func B64URLDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return b, nil
}

// PublicKeyString encodes an Ed25519 public key for transport and storage.
func PublicKeyString(pub ed25519.PublicKey) string {
	return B64URL(pub)
}

// ParsePublicKey decodes a base64url public key and checks its length.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := B64URLDecode(s)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("parse public key: got %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns an unpadded base64url string carrying n random bytes.
// Callers needing at least 128 bits of entropy pass n >= 16.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return B64URL(b), nil
}
