package app

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/giantswarm/oidc-provider/keys"
)

// envPrefix namespaces environment overrides, e.g. OIDC_STORAGE_BACKEND.
const envPrefix = "OIDC"

// Storage backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the process configuration of the serve command.
type Config struct {
	Issuer            string `mapstructure:"issuer"`
	AllowInsecureHTTP bool   `mapstructure:"allow_insecure_http"`
	Address           string `mapstructure:"address"`
	MetricsAddress    string `mapstructure:"metrics_address"`

	RegistryFile string `mapstructure:"registry_file"`
	UsersFile    string `mapstructure:"users_file"`

	// VerificationURI is shown to device flow users. Default: issuer + /device
	VerificationURI string        `mapstructure:"verification_uri"`
	ClockSkew       time.Duration `mapstructure:"clock_skew"`

	Log            LogConfig            `mapstructure:"log"`
	Keys           keys.Config          `mapstructure:"keys"`
	Storage        StorageConfig        `mapstructure:"storage"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	CORS           CORSConfig           `mapstructure:"cors"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`

	Audit           bool          `mapstructure:"audit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects and configures the persisted grant store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`

	// EncryptionKey is a base64 AES-256 key for payloads at rest. Redis and
	// SQLite only.
	EncryptionKey string `mapstructure:"encryption_key"`

	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RateLimitConfig configures per-IP limiting of every endpoint.
type RateLimitConfig struct {
	Rate              int  `mapstructure:"rate"`
	Burst             int  `mapstructure:"burst"`
	TrustProxy        bool `mapstructure:"trust_proxy"`
	TrustedProxyCount int  `mapstructure:"trusted_proxy_count"`
}

// CORSConfig configures browser access to the token and userinfo endpoints.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// AuthenticationConfig configures how users are authenticated at the
// authorization endpoint.
type AuthenticationConfig struct {
	// SubjectHeader enables trusting an authenticating reverse proxy. Empty
	// leaves the authorization endpoint without a login method.
	SubjectHeader string `mapstructure:"subject_header"`
	SessionHeader string `mapstructure:"session_header"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MetricExporter string `mapstructure:"metric_exporter"`
	LogClientIPs   bool   `mapstructure:"log_client_ips"`
}

// setDefaults registers every key so environment overrides of nested keys
// are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer", "")
	v.SetDefault("allow_insecure_http", false)
	v.SetDefault("address", ":8080")
	v.SetDefault("metrics_address", "")
	v.SetDefault("registry_file", "")
	v.SetDefault("users_file", "")
	v.SetDefault("verification_uri", "")
	v.SetDefault("clock_skew", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("keys.key_dir", "")
	v.SetDefault("keys.signing_key_file", "")
	v.SetDefault("keys.algorithm", "")
	v.SetDefault("keys.fallback_key_files", []string{})

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.redis.addrs", []string{})
	v.SetDefault("storage.redis.master_name", "")
	v.SetDefault("storage.redis.username", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "")
	v.SetDefault("storage.sqlite.path", "")

	v.SetDefault("rate_limit.rate", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.trust_proxy", false)
	v.SetDefault("rate_limit.trusted_proxy_count", 0)

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)

	v.SetDefault("authentication.subject_header", "")
	v.SetDefault("authentication.session_header", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metric_exporter", "none")
	v.SetDefault("telemetry.log_client_ips", false)

	v.SetDefault("audit", true)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// newViper returns a viper reading OIDC_ environment variables and the
// optional configuration file.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// loadConfig decodes and validates the configuration held by v.
func loadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the libraries cannot check on their own.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.RegistryFile == "" {
		return fmt.Errorf("registry_file is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("storage.redis.addrs is required for the redis backend")
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if _, err := c.Storage.encryptionKey(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// encryptionKey decodes the configured key, or returns nil when unset.
func (s StorageConfig) encryptionKey() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("storage.encryption_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("storage.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// newLogger builds the process logger from cfg.
func newLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
