package keys

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// JWKS returns the provider's public keys as a JSON Web Key Set.
func JWKS(ctx context.Context, p Provider) (*jose.JSONWebKeySet, error) {
	pubs, err := p.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, pk := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pk.PublicKey,
			KeyID:     pk.KeyID,
			Algorithm: pk.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// Signer returns a JWS signer for key that sets the "kid" and "typ" headers.
func Signer(key *SigningKeyData, typ string) (jose.Signer, error) {
	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

// Sign signs payload with key and returns the compact serialization.
func Sign(key *SigningKeyData, typ string, payload []byte) (string, error) {
	signer, err := Signer(key, typ)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return jws.CompactSerialize()
}
