// Package identity manages agent identities: DID issuance, key binding,
// lifecycle status, and the revocation list. Identities are the anchor every
// other mesh component references by DID.
package identity

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/agentmesh/pkg/did"
	"github.com/agentmesh/agentmesh/pkg/jwk"
)

// Status is the lifecycle state of an identity.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

const (
	maxNameLen         = 128
	maxOrganizationLen = 128
	maxCapabilities    = 64
)

var capabilityPattern = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)

// Identity is the registered record for one agent. PublicKey is the unpadded
// base64url Ed25519 key; the private half is handed to the caller once at
// registration and never stored.
type Identity struct {
	DID          did.DID           `json:"did"`
	Name         string            `json:"name"`
	Organization string            `json:"organization,omitempty"`
	SponsorEmail string            `json:"sponsor_email"`
	PublicKey    string            `json:"public_key"`
	Capabilities []string          `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasCapability reports whether the identity holds the exact capability.
func (id *Identity) HasCapability(capability string) bool {
	for _, c := range id.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// JWK exports the public key as an RFC 7517 key with the DID as kid.
func (id *Identity) JWK() jwk.Key {
	return jwk.Key{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   id.PublicKey,
		Kid: id.DID.String(),
		Use: "sig",
	}
}

// RegistrationParams are the caller-supplied inputs to Create.
type RegistrationParams struct {
	Name         string
	Organization string
	SponsorEmail string
	Capabilities []string
	Endpoint     string
	Metadata     map[string]string
}

// Validate normalizes the params in place and rejects malformed input.
func (p *RegistrationParams) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return &ValidationError{Msg: "name must not be empty"}
	}
	if len(p.Name) > maxNameLen {
		return &ValidationError{Msg: fmt.Sprintf("name exceeds %d characters", maxNameLen)}
	}

	p.Organization = strings.TrimSpace(p.Organization)
	if len(p.Organization) > maxOrganizationLen {
		return &ValidationError{Msg: fmt.Sprintf("organization exceeds %d characters", maxOrganizationLen)}
	}

	p.SponsorEmail = strings.TrimSpace(p.SponsorEmail)
	if p.SponsorEmail == "" {
		return &ValidationError{Msg: "sponsor_email must not be empty"}
	}
	addr, err := mail.ParseAddress(p.SponsorEmail)
	if err != nil || addr.Address != p.SponsorEmail || !strings.Contains(p.SponsorEmail, ".") {
		return &ValidationError{Msg: fmt.Sprintf("sponsor_email %q is not a valid address", p.SponsorEmail)}
	}

	caps, err2 := NormalizeCapabilities(p.Capabilities)
	if err2 != nil {
		return err2
	}
	p.Capabilities = caps
	return nil
}

// NormalizeCapabilities lowercases, trims, validates, de-duplicates, and
// sorts a capability list. Capability names are dot-separated namespaces
// ("code.review", "deploy.production").
func NormalizeCapabilities(in []string) ([]string, error) {
	if len(in) > maxCapabilities {
		return nil, &ValidationError{Msg: fmt.Sprintf("capability list exceeds %d entries", maxCapabilities)}
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		c := strings.ToLower(strings.TrimSpace(raw))
		if c == "" {
			continue
		}
		if !capabilityPattern.MatchString(c) {
			return nil, &ValidationError{Msg: fmt.Sprintf("capability %q is malformed", raw)}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
