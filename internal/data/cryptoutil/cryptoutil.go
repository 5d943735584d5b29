// Package cryptoutil provides the keyed content digest used to identify
// previously published results.
package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Digester computes hex-encoded HMAC-SHA256 digests over the canonical JSON
// encoding of a payload. The key is supplied at construction; it is part of
// the dedup identity, so changing it invalidates the whole ledger.
type Digester struct {
	key []byte
}

// NewDigester returns a digester for the given key.
func NewDigester(key string) (*Digester, error) {
	if key == "" {
		return nil, errors.New("digest key is required")
	}
	return &Digester{key: []byte(key)}, nil
}

// Sum returns the digest of raw bytes without canonicalization.
func (d *Digester) Sum(payload []byte) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SumCanonical canonicalizes a JSON payload and digests it. Structurally
// identical payloads hash identically regardless of whitespace or key order
// in the source bytes.
func (d *Digester) SumCanonical(raw json.RawMessage) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return d.Sum(canonical), nil
}

// Canonicalize re-encodes a JSON document into a stable byte form: no
// insignificant whitespace, object keys sorted. encoding/json sorts map keys
// on marshal, which gives the stable ordering.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}
