// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for deterministic hashing of ledger
// events and gate evidence.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshaled with encoding/json (honoring struct tags), then the
// intermediate document is transformed into canonical form: lexicographically
// sorted keys, minimal number formatting, no HTML escaping.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashChained digests the canonical encoding of v concatenated with the
// predecessor's digest. An empty prevHash denotes the first link.
func HashChained(v any, prevHash string) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(append(b, []byte(prevHash)...)), nil
}
