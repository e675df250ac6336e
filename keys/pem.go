package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

const minRSABits = 2048

// LoadSigningKey loads a private key from a PEM file.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey parses a PEM-encoded private key. RSA (PKCS1, PKCS8),
// ECDSA (SEC1, PKCS8) and Ed25519 (PKCS8) are supported.
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from signing key")
	}

	var signer crypto.Signer
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		signer = rsaKey
	} else if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		signer = ecKey
	} else {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		var ok bool
		if signer, ok = key.(crypto.Signer); !ok {
			return nil, errors.New("signing key does not implement crypto.Signer")
		}
	}

	if k, ok := signer.(*rsa.PrivateKey); ok && k.N.BitLen() < minRSABits {
		return nil, fmt.Errorf("RSA signing key must be at least %d bits, got %d", minRSABits, k.N.BitLen())
	}
	return signer, nil
}

// EncodePEM encodes a private key as PKCS8 PEM.
func EncodePEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateKey creates a new private key for algorithm.
func GenerateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512", "PS256":
		return rsa.GenerateKey(rand.Reader, 3072)
	case "EdDSA":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the public key,
// base64url encoded without padding.
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type.
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		return curveAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func curveAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return "ES256", nil
	case elliptic.P384():
		return "ES384", nil
	case elliptic.P521():
		return "ES512", nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that algorithm can be used with key.
func ValidateAlgorithmForKey(algorithm string, key crypto.Signer) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch algorithm {
		case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
			return nil
		}
		return fmt.Errorf("algorithm %s is not compatible with RSA key", algorithm)
	case *ecdsa.PrivateKey:
		expected, err := curveAlgorithm(k.Curve)
		if err != nil {
			return err
		}
		if algorithm != expected {
			return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				algorithm, k.Curve.Params().Name, expected)
		}
		return nil
	case ed25519.PrivateKey:
		if algorithm != "EdDSA" {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", algorithm)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}

// NewSigningKeyData derives the key id and validates or derives the algorithm.
func NewSigningKeyData(key crypto.Signer, algorithm string) (*SigningKeyData, error) {
	if algorithm == "" {
		var err error
		if algorithm, err = DeriveAlgorithm(key); err != nil {
			return nil, err
		}
	} else if err := ValidateAlgorithmForKey(algorithm, key); err != nil {
		return nil, err
	}

	kid, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}
	return &SigningKeyData{KeyID: kid, Algorithm: algorithm, Key: key}, nil
}
