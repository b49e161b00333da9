package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
	"github.com/agentmesh/agentmesh/pkg/jwk"
)

// Identity is the key material an agent authenticates with: its DID,
// its capabilities, and the Ed25519 private key from registration.
type Identity struct {
	DID          did.DID
	Capabilities []string
	Key          jwk.Key

	priv ed25519.PrivateKey
}

// NewIdentity builds an Identity from a private JWK. The key must carry
// its private component.
func NewIdentity(d did.DID, key jwk.Key, capabilities []string) (*Identity, error) {
	if !did.Valid(d.String()) {
		return nil, fmt.Errorf("identity DID %q is malformed", d)
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	return &Identity{
		DID:          d,
		Capabilities: append([]string(nil), capabilities...),
		Key:          key,
		priv:         priv,
	}, nil
}

// identityFile is the on-disk format written by Save and by
// 'meshctl register --identity'.
type identityFile struct {
	DID          did.DID  `json:"did"`
	Capabilities []string `json:"capabilities,omitempty"`
	PrivateKey   jwk.Key  `json:"private_key"`
}

// LoadIdentity reads an identity file written by Save.
//
//	id, err := client.LoadIdentity(os.ExpandEnv("$HOME/.agentmesh/identity.json"))
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode identity file %q: %w", path, err)
	}
	return NewIdentity(f.DID, f.PrivateKey, f.Capabilities)
}

// Save writes the identity to path with owner-only permissions. The
// file contains the private key; treat it like any other secret.
func (id *Identity) Save(path string) error {
	data, err := json.MarshalIndent(identityFile{
		DID:          id.DID,
		Capabilities: id.Capabilities,
		PrivateKey:   id.Key,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// WithIdentityFile loads the identity from path and attaches it. It is
// the functional-option form of WithIdentity(LoadIdentity(path)).
func WithIdentityFile(path string) Option {
	return func(c *Client) error {
		id, err := LoadIdentity(path)
		if err != nil {
			return err
		}
		c.identity = id
		return nil
	}
}

// PublicKey returns the unpadded base64url encoding of the public key,
// the form the registry stores and the trust headers carry.
func (id *Identity) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(id.priv.Public().(ed25519.PublicKey))
}

// sign stamps the trust headers onto a request. The signature covers
// "METHOD\nPATH".
func (id *Identity) sign(req *http.Request, didHeader string) {
	req.Header.Set(didHeader, id.DID.String())
	req.Header.Set(headerPublicKey, id.PublicKey())
	if len(id.Capabilities) > 0 {
		req.Header.Set(headerCapabilities, strings.Join(id.Capabilities, ","))
	}
	sig := ed25519.Sign(id.priv, []byte(req.Method+"\n"+req.URL.Path))
	req.Header.Set(headerSignature, base64.RawURLEncoding.EncodeToString(sig))
}

// Respond answers a handshake challenge with this identity's key. The
// signature covers "challenge_id:response_nonce:challenge_nonce".
// trustScore is the score the agent claims for itself; the control
// plane judges it against the initiator's required bar.
func (id *Identity) Respond(ch *Challenge, trustScore float64) (*HandshakeResponse, error) {
	if ch == nil || ch.ChallengeID == "" || ch.Nonce == "" {
		return nil, fmt.Errorf("respond: challenge is malformed")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("response nonce: %w", err)
	}
	responseNonce := base64.RawURLEncoding.EncodeToString(nonce)

	payload := []byte(ch.ChallengeID + ":" + responseNonce + ":" + ch.Nonce)
	sig := ed25519.Sign(id.priv, payload)

	return &HandshakeResponse{
		ChallengeID:   ch.ChallengeID,
		ResponseNonce: responseNonce,
		AgentDID:      id.DID,
		Capabilities:  append([]string(nil), id.Capabilities...),
		TrustScore:    trustScore,
		Signature:     base64.RawURLEncoding.EncodeToString(sig),
		PublicKey:     id.PublicKey(),
		Timestamp:     time.Now().UTC(),
	}, nil
}
