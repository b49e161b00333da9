// Package did provides parsing, validation and derivation for mesh DIDs.
//
// DID format: did:mesh:[32 lowercase hex characters]
//
// Example:
//
//	did:mesh:a3f9c2e871b04d6f9e5a1c8b2d7f4e09
//
// The hex suffix is the first 32 hex characters of a SHA-256 digest over the
// canonical serialization of (name, organization, salt, creation timestamp).
// A DID is stable for the lifetime of the identity and is the sole
// cross-component reference to an agent.
package did

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Prefix is the scheme and method portion of every mesh DID.
const Prefix = "did:mesh:"

// SuffixLen is the length of the hex identifier following the prefix.
const SuffixLen = 32

var didPattern = regexp.MustCompile(`^did:mesh:[0-9a-f]{32}$`)

// DID is a validated mesh decentralized identifier. The zero value is not a
// valid DID; obtain one through Parse or Derive.
type DID string

// Parse validates a raw string as a mesh DID.
func Parse(raw string) (DID, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return "", fmt.Errorf("DID %q must start with %q", raw, Prefix)
	}
	if !didPattern.MatchString(raw) {
		return "", fmt.Errorf("DID %q must match %s", raw, didPattern.String())
	}
	return DID(raw), nil
}

// MustParse parses a DID and panics on error. Useful in tests and init blocks.
func MustParse(raw string) DID {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Valid reports whether raw is a well-formed mesh DID.
func Valid(raw string) bool {
	return didPattern.MatchString(raw)
}

// Derive computes the DID for an identity from its registration inputs.
// The digest input is the pipe-delimited canonical form
// "name|organization|hex(salt)|unixNano"; the DID carries the first
// SuffixLen hex characters of its SHA-256.
func Derive(name, organization string, salt []byte, createdAt time.Time) DID {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", name, organization, hex.EncodeToString(salt), createdAt.UTC().UnixNano())
	sum := hex.EncodeToString(h.Sum(nil))
	return DID(Prefix + sum[:SuffixLen])
}

// String returns the full DID string.
func (d DID) String() string { return string(d) }

// Suffix returns the 32-character hex identifier without the prefix.
func (d DID) Suffix() string { return strings.TrimPrefix(string(d), Prefix) }
