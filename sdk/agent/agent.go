// Package agent holds the client-side keypair helpers: key generation in the
// stored wire format and body signing over the canonical form.
package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"agora/crypto/canonical"
)

// Keypair is one agent identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewKeypair generates a fresh ed25519 identity.
func NewKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// PublicKeyString renders the key in the registry's stored format.
func (k Keypair) PublicKeyString() string {
	return canonical.EncodePublicKey(k.Public)
}

// SignBody attaches the detached signature over the canonical form of fields.
// The returned map is the ready-to-post request body.
func (k Keypair) SignBody(fields map[string]any) (map[string]any, error) {
	raw := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		raw[name] = encoded
	}
	sig, err := canonical.Sign(k.Private, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields)+1)
	for name, value := range fields {
		out[name] = value
	}
	out[canonical.SignatureField] = sig
	return out, nil
}

// RegistrationBody builds the signed self-registration request.
func (k Keypair) RegistrationBody(name string) (map[string]any, error) {
	return k.SignBody(map[string]any{
		"name":       name,
		"public_key": k.PublicKeyString(),
	})
}
