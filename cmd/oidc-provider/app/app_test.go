package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	oauth "github.com/giantswarm/oidc-provider"
	"github.com/giantswarm/oidc-provider/keys"
)

const testRegistryYAML = `
identity_resources:
  - name: openid
    user_claims: [sub]
  - name: profile
    user_claims: [name]
api_scopes:
  - name: api1.read
api_resources:
  - name: https://api1.example.com
    scopes: [api1.read]
clients:
  - client_id: spa
    public: true
    allowed_grant_types: [authorization_code, refresh_token]
    allowed_scopes: [openid, profile, api1.read]
    redirect_uris: [https://spa.example.com/callback]
`

const testUsersYAML = `
users:
  - subject: alice
    username: alice
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadConfig_Defaults(t *testing.T) {
	v, err := newViper("")
	require.NoError(t, err)
	v.Set("issuer", "https://issuer.example.com")
	v.Set("registry_file", "registry.yaml")

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.RateLimit.Rate)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.True(t, cfg.Audit)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "config.yaml", `
issuer: https://file.example.com
registry_file: /etc/oidc/registry.yaml
storage:
  backend: redis
  redis:
    addrs: [localhost:6379]
    key_prefix: "oidc:"
keys:
  algorithm: RS256
log:
  format: text
`)
	t.Setenv("OIDC_ISSUER", "https://env.example.com")
	t.Setenv("OIDC_STORAGE_REDIS_DB", "3")
	t.Setenv("OIDC_RATE_LIMIT_RATE", "50")

	v, err := newViper(path)
	require.NoError(t, err)
	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Issuer, "environment overrides the file")
	assert.Equal(t, "/etc/oidc/registry.yaml", cfg.RegistryFile)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Storage.Redis.Addrs)
	assert.Equal(t, "oidc:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, 50, cfg.RateLimit.Rate)
	assert.Equal(t, "RS256", cfg.Keys.Algorithm)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestNewViper_MissingFile(t *testing.T) {
	_, err := newViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Issuer:       "https://issuer.example.com",
			RegistryFile: "registry.yaml",
			Storage:      StorageConfig{Backend: BackendMemory},
			Log:          LogConfig{Level: "info", Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing issuer", func(c *Config) { c.Issuer = "" }, "issuer is required"},
		{"missing registry", func(c *Config) { c.RegistryFile = "" }, "registry_file is required"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "unknown storage backend"},
		{"redis without addrs", func(c *Config) { c.Storage.Backend = BackendRedis }, "storage.redis.addrs"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = BackendSQLite }, "storage.sqlite.path"},
		{"key not base64", func(c *Config) { c.Storage.EncryptionKey = "%%%" }, "must be base64"},
		{"short key", func(c *Config) {
			c.Storage.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}, "32 bytes"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "unknown log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, LogConfig{Level: "debug", Format: "text"}).Debug("text line")
	assert.Contains(t, buf.String(), "msg=\"text line\"")
}

func TestKeysGenerate(t *testing.T) {
	out := filepath.Join(t.TempDir(), "signing.pem")

	stdout, err := execute(t, "", "keys", "generate", "--algorithm", "ES384", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "kid: ")

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key, err := keys.LoadSigningKey(out)
	require.NoError(t, err)
	alg, err := keys.DeriveAlgorithm(key)
	require.NoError(t, err)
	assert.Equal(t, "ES384", alg)

	kid, err := keys.DeriveKeyID(key)
	require.NoError(t, err)
	assert.Contains(t, stdout, kid)

	_, err = execute(t, "", "keys", "generate", "--out", out)
	assert.Error(t, err, "an existing key file is not overwritten")
}

func TestKeysGenerate_Stdout(t *testing.T) {
	stdout, err := execute(t, "", "keys", "generate")
	require.NoError(t, err)

	key, err := keys.ParseSigningKey([]byte(stdout))
	require.NoError(t, err)
	alg, err := keys.DeriveAlgorithm(key)
	require.NoError(t, err)
	assert.Equal(t, keys.DefaultAlgorithm, alg)
}

func TestKeysGenerate_UnknownAlgorithm(t *testing.T) {
	_, err := execute(t, "", "keys", "generate", "--algorithm", "HS256")
	assert.Error(t, err)
}

func TestKeysEncryptionKey(t *testing.T) {
	stdout, err := execute(t, "", "keys", "encryption-key")
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg := StorageConfig{EncryptionKey: strings.TrimSpace(stdout)}
	decoded, err := cfg.encryptionKey()
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestRegistryValidate(t *testing.T) {
	registryFile := writeFile(t, "registry.yaml", testRegistryYAML)
	usersFile := writeFile(t, "users.yaml", testUsersYAML)

	stdout, err := execute(t, "", "registry", "validate", registryFile, "--users", usersFile)
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 clients")
	assert.Contains(t, stdout, "api1.read")
	assert.Contains(t, stdout, "1 users")

	broken := writeFile(t, "broken.yaml", "clients:\n  - client_id: x\n    unknown_field: true\n")
	_, err = execute(t, "", "registry", "validate", broken)
	assert.Error(t, err)

	_, err = execute(t, "", "registry", "validate")
	assert.Error(t, err, "file argument is required")
}

func TestSecretHash(t *testing.T) {
	stdout, err := execute(t, "s3cret\n", "secret", "hash", "--cost", "4")
	require.NoError(t, err)

	hash := strings.TrimSpace(stdout)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, 4, cost)

	_, err = execute(t, "", "secret", "hash")
	assert.Error(t, err)
	_, err = execute(t, "\n", "secret", "hash")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	stdout, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "oidc-provider dev\n", stdout)
}

func TestServe_RequiresConfiguration(t *testing.T) {
	_, err := execute(t, "", "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer is required")
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	v, err := newViper("")
	require.NoError(t, err)
	v.Set("issuer", "https://issuer.example.com")
	v.Set("registry_file", writeFile(t, "registry.yaml", testRegistryYAML))
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	return cfg
}

func TestNewProvider_Memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.UsersFile = writeFile(t, "users.yaml", testUsersYAML)
	cfg.Authentication.SubjectHeader = oauth.DefaultSubjectHeader

	p, err := newProvider(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.close()) })

	require.NotNil(t, p.users)
	assert.Equal(t, 1, p.users.Len())

	rec := httptest.NewRecorder()
	p.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, oauth.PathDiscovery, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"issuer":"https://issuer.example.com"`)
	assert.Contains(t, rec.Body.String(), `"password"`, "users file enables the password grant")
}

func TestNewProvider_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Storage.Backend = BackendRedis
	cfg.Storage.Redis.Addrs = []string{mr.Addr()}
	cfg.Storage.Redis.KeyPrefix = "test:"
	cfg.Storage.EncryptionKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, cfg.Validate())

	p, err := newProvider(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.NoError(t, p.close())
}

func TestNewProvider_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "grants.db")

	p, err := newProvider(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.NoError(t, p.close())

	_, err = os.Stat(cfg.Storage.SQLite.Path)
	assert.NoError(t, err)
}

func TestNewProvider_BrokenRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegistryFile = writeFile(t, "registry.yaml", "clients: [\n")

	_, err := newProvider(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestProvider_Reload(t *testing.T) {
	cfg := testConfig(t)
	p, err := newProvider(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.close() })

	updated := testRegistryYAML + `
  - client_id: cli
    public: true
    allowed_grant_types: [urn:ietf:params:oauth:grant-type:device_code]
    allowed_scopes: [openid]
`
	require.NoError(t, os.WriteFile(cfg.RegistryFile, []byte(updated), 0o600))
	p.reload(context.Background())
	assert.Equal(t, 2, p.server.Registry().Snapshot().ClientCount())

	require.NoError(t, os.WriteFile(cfg.RegistryFile, []byte("clients: [\n"), 0o600))
	p.reload(context.Background())
	assert.Equal(t, 2, p.server.Registry().Snapshot().ClientCount(), "a broken file keeps the current registry")
}
