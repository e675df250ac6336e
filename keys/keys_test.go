package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKey(t *testing.T, dir, name, algorithm string) string {
	t.Helper()
	key, err := GenerateKey(algorithm)
	require.NoError(t, err)
	data, err := EncodePEM(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	return name
}

func TestParseSigningKey_Formats(t *testing.T) {
	ec, err := GenerateKey("ES256")
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ec.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	pkcs8, err := EncodePEM(ec)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pem     []byte
		wantErr bool
	}{
		{"pkcs8 ec", pkcs8, false},
		{"sec1 ec", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1}), false},
		{"pkcs1 rsa", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}), false},
		{"weak rsa", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(weak)}), true},
		{"not pem", []byte("garbage"), true},
		{"bad der", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("x")}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSigningKey(tt.pem)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSigningKeyData(t *testing.T) {
	for _, alg := range []string{"ES256", "ES384", "EdDSA"} {
		t.Run(alg, func(t *testing.T) {
			key, err := GenerateKey(alg)
			require.NoError(t, err)

			data, err := NewSigningKeyData(key, "")
			require.NoError(t, err)
			assert.Equal(t, alg, data.Algorithm)
			assert.Len(t, data.KeyID, 43, "base64url SHA-256 thumbprint")

			again, err := DeriveKeyID(key)
			require.NoError(t, err)
			assert.Equal(t, data.KeyID, again, "thumbprints are deterministic")
		})
	}

	ec, _ := GenerateKey("ES256")
	_, err := NewSigningKeyData(ec, "RS256")
	assert.Error(t, err)
	_, err = NewSigningKeyData(ec, "ES384")
	assert.Error(t, err)
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	signing := writeKey(t, dir, "current.pem", "ES256")
	old := writeKey(t, dir, "old.pem", "ES384")

	p, err := NewFileProvider(Config{KeyDir: dir, SigningKeyFile: signing, FallbackKeyFiles: []string{old, signing}})
	require.NoError(t, err)

	key, err := p.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ES256", key.Algorithm)

	pubs, err := p.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pubs, 2, "duplicate fallback entries are ignored")
	assert.Equal(t, key.KeyID, pubs[0].KeyID, "signing key comes first")
	assert.Equal(t, "ES384", pubs[1].Algorithm)

	// returned keys are copies
	key.KeyID = "mutated"
	again, _ := p.SigningKey(ctx)
	assert.NotEqual(t, "mutated", again.KeyID)
}

func TestFileProvider_Errors(t *testing.T) {
	dir := t.TempDir()
	signing := writeKey(t, dir, "current.pem", "ES256")

	_, err := NewFileProvider(Config{KeyDir: dir})
	assert.Error(t, err)

	_, err = NewFileProvider(Config{KeyDir: dir, SigningKeyFile: "missing.pem"})
	assert.Error(t, err)

	_, err = NewFileProvider(Config{KeyDir: dir, SigningKeyFile: signing, FallbackKeyFiles: []string{"missing.pem"}})
	assert.Error(t, err)

	_, err = NewFileProvider(Config{KeyDir: dir, SigningKeyFile: signing, Algorithm: "RS256"})
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GeneratingProvider{}, p)

	dir := t.TempDir()
	p, err = NewProvider(Config{KeyDir: dir, SigningKeyFile: writeKey(t, dir, "k.pem", "ES256")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)
}

func TestGeneratingProvider_GeneratesOnce(t *testing.T) {
	ctx := context.Background()
	p := NewGeneratingProvider("", nil)

	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := p.SigningKey(ctx)
			if assert.NoError(t, err) {
				ids.Store(key.KeyID, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)

	pubs, err := p.PublicKeys(ctx)
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, DefaultAlgorithm, pubs[0].Algorithm)
}

func TestStaticProvider_Empty(t *testing.T) {
	_, err := NewStaticProvider().SigningKey(context.Background())
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestJWKSAndSign(t *testing.T) {
	ctx := context.Background()
	signer, err := GenerateKey("ES256")
	require.NoError(t, err)
	key, err := NewSigningKeyData(signer, "")
	require.NoError(t, err)
	p := NewStaticProvider(key)

	set, err := JWKS(ctx, p)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, key.KeyID, set.Keys[0].KeyID)
	assert.True(t, set.Keys[0].IsPublic())

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"d"`, "private material must not be published")

	token, err := Sign(key, "at+jwt", []byte(`{"b":1,"a":2}`))
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	hdr := parsed.Signatures[0].Header
	assert.Equal(t, key.KeyID, hdr.KeyID)
	assert.Equal(t, "at+jwt", hdr.ExtraHeaders[jose.HeaderType])

	payload, err := parsed.Verify(set.Key(key.KeyID)[0].Key)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":2}`, string(payload), "payload bytes are signed verbatim")
	assert.True(t, strings.Count(token, ".") == 2)
}
