// Package keys manages the asymmetric keys that sign identity, access and
// refresh tokens. Keys are loaded from PEM files, generated on demand for
// development, or supplied directly. Every key is identified by its RFC 7638
// thumbprint, which becomes the "kid" header of tokens it signs.
package keys

import (
	"context"
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is the signing algorithm for generated keys.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when a provider has no key to sign with.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKeyData is a private key with its metadata. It must never leave the process.
type SigningKeyData struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID string

	// Algorithm is the JWS algorithm ("ES256", "RS256", "EdDSA", ...).
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// Public returns the verification half of k.
func (k *SigningKeyData) Public() *PublicKeyData {
	return &PublicKeyData{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		PublicKey: k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

func (k *SigningKeyData) clone() *SigningKeyData {
	cp := *k
	return &cp
}

// PublicKeyData is the public portion of a signing key, safe to publish.
type PublicKeyData struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	CreatedAt time.Time
}

// Provider supplies signing keys.
type Provider interface {
	// SigningKey returns the key new tokens are signed with.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns every key tokens may currently be verified with,
	// the signing key first. During rotation this includes retired keys.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}
