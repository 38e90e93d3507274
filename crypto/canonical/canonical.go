// Package canonical implements the deterministic request serialization that
// every mutating call is signed over, plus ed25519 helpers for the stored
// `<algo>:<base64>` key format.
package canonical

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SignatureField is the JSON field excluded from the canonical form.
const SignatureField = "signature"

// AlgorithmEd25519 is the only key algorithm accepted in v1.
const AlgorithmEd25519 = "ed25519"

var (
	ErrUnsupportedAlgorithm = errors.New("canonical: unsupported key algorithm")
	ErrMalformedKey         = errors.New("canonical: malformed public key")
)

// Marshal renders the canonical byte form of a request body: objects are
// serialized with keys in ascending order at every depth, the signature field
// is dropped at the top level, and numbers keep their JSON literal form.
func Marshal(body map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(body))
	for k := range body {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		normalized, err := normalize(body[k])
		if err != nil {
			return nil, fmt.Errorf("canonical: field %s: %w", k, err)
		}
		b.Write(normalized)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// normalize rewrites a raw JSON value with sorted object keys and no
// insignificant whitespace.
func normalize(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return []byte("null"), nil
	}
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			name, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(name)
			b.WriteByte(':')
			inner, err := normalize(obj[k])
			if err != nil {
				return nil, err
			}
			b.Write(inner)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, err
		}
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range arr {
			if i > 0 {
				b.WriteByte(',')
			}
			inner, err := normalize(item)
			if err != nil {
				return nil, err
			}
			b.Write(inner)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		// Scalars keep their literal JSON form so signatures survive decode
		// round-trips of large integers.
		return []byte(trimmed), nil
	}
}

// ParsePublicKey splits and validates a stored `<algo>:<base64>` key.
func ParsePublicKey(stored string) (ed25519.PublicKey, error) {
	algo, material, ok := strings.Cut(strings.TrimSpace(stored), ":")
	if !ok {
		return nil, ErrMalformedKey
	}
	if algo != AlgorithmEd25519 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformedKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey renders a raw ed25519 key in the stored wire format.
func EncodePublicKey(key ed25519.PublicKey) string {
	return AlgorithmEd25519 + ":" + base64.StdEncoding.EncodeToString(key)
}

// Verify checks a detached signature over message with the stored key format.
func Verify(stored string, message, signature []byte) (bool, error) {
	key, err := ParsePublicKey(stored)
	if err != nil {
		return false, err
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(key, message, signature), nil
}

// Sign produces the detached signature over the canonical form of body. It is
// used by the SDK clients and tests; services only ever verify.
func Sign(priv ed25519.PrivateKey, body map[string]json.RawMessage) (string, error) {
	msg, err := Marshal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}
