package keys

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Config selects and configures a Provider.
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	KeyDir string `yaml:"key_dir" mapstructure:"key_dir"`

	// SigningKeyFile is the primary signing key, relative to KeyDir.
	SigningKeyFile string `yaml:"signing_key_file" mapstructure:"signing_key_file"`

	// Algorithm overrides the algorithm derived from the signing key.
	Algorithm string `yaml:"algorithm" mapstructure:"algorithm"`

	// FallbackKeyFiles are published for verification but never sign.
	//
	// Rotation across replicas: add the new key here and roll out, then promote
	// it to SigningKeyFile and move the old key here, then drop the old key once
	// its tokens have expired.
	FallbackKeyFiles []string `yaml:"fallback_key_files" mapstructure:"fallback_key_files"`
}

// NewProvider creates a Provider from cfg. With no KeyDir an ephemeral key is
// generated, which is only suitable for development.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	if cfg.KeyDir == "" {
		return NewGeneratingProvider(cfg.Algorithm, logger), nil
	}
	return NewFileProvider(cfg)
}

// FileProvider serves keys loaded once from PEM files.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider loads the signing key and the fallback keys from cfg.KeyDir.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	seen := map[string]bool{signingKey.KeyID: true}
	for _, name := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, name), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		if seen[key.KeyID] {
			continue
		}
		seen[key.KeyID] = true
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

func loadKeyFromFile(path, algorithm string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	key, err := NewSigningKeyData(signer, algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}
	key.CreatedAt = time.Now()
	return key, nil
}

// SigningKey returns a copy of the primary key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys returns the signing key followed by the fallback keys.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return publicKeys(p.allKeys), nil
}

// GeneratingProvider generates an ephemeral key on first use. Keys are lost on
// restart, which invalidates every token issued before.
type GeneratingProvider struct {
	algorithm string
	logger    *slog.Logger

	mu  sync.Mutex
	key *SigningKeyData
}

// NewGeneratingProvider creates a provider that generates a key for algorithm
// (DefaultAlgorithm if empty) on first use.
func NewGeneratingProvider(algorithm string, logger *slog.Logger) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratingProvider{algorithm: algorithm, logger: logger}
}

// SigningKey returns the key, generating it if needed.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		signer, err := GenerateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key, err := NewSigningKeyData(signer, p.algorithm)
		if err != nil {
			return nil, err
		}
		key.CreatedAt = time.Now()

		p.logger.Warn("Generated ephemeral signing key, tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID)
		p.key = key
	}
	return p.key.clone(), nil
}

// PublicKeys returns the generated key, generating it if needed.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKeyData{key.Public()}, nil
}

// StaticProvider serves keys supplied by the caller.
type StaticProvider struct {
	keys []*SigningKeyData
}

// NewStaticProvider signs with the first key and publishes all of them.
func NewStaticProvider(keys ...*SigningKeyData) *StaticProvider {
	return &StaticProvider{keys: keys}
}

// SigningKey returns the first key or ErrNoSigningKey.
func (p *StaticProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	if len(p.keys) == 0 {
		return nil, ErrNoSigningKey
	}
	return p.keys[0].clone(), nil
}

// PublicKeys returns all keys.
func (p *StaticProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return publicKeys(p.keys), nil
}

func publicKeys(keys []*SigningKeyData) []*PublicKeyData {
	out := make([]*PublicKeyData, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Public())
	}
	return out
}

var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
	_ Provider = (*StaticProvider)(nil)
)
