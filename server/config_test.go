package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/security"
)

// captureLogger creates a logger that writes to a buffer for testing
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}

func TestApplySecureDefaults(t *testing.T) {
	t.Parallel()
	logger, _ := captureLogger()

	cfg := applySecureDefaults(&Config{Issuer: "https://id.example.com/"}, logger)

	assert.Equal(t, "https://id.example.com", cfg.Issuer)
	assert.Equal(t, "https://id.example.com/device", cfg.VerificationURI)
	assert.Equal(t, DefaultUserCodeCharset, cfg.UserCodeCharset)
	assert.Equal(t, DefaultUserCodeLength, cfg.UserCodeLength)
	assert.Equal(t, []string{"https://id.example.com", "https://id.example.com/token"}, cfg.AssertionAudiences)
	assert.Equal(t, security.DefaultClockSkew, cfg.ClockSkew)
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	logger, _ := captureLogger()

	cfg := applySecureDefaults(&Config{
		Issuer:             "https://id.example.com",
		VerificationURI:    "https://login.example.com/activate",
		UserCodeCharset:    "0123456789",
		UserCodeLength:     9,
		AssertionAudiences: []string{"https://id.example.com/token"},
		ClockSkew:          10 * time.Second,
	}, logger)

	assert.Equal(t, "https://login.example.com/activate", cfg.VerificationURI)
	assert.Equal(t, "0123456789", cfg.UserCodeCharset)
	assert.Equal(t, 9, cfg.UserCodeLength)
	assert.Equal(t, []string{"https://id.example.com/token"}, cfg.AssertionAudiences)
	assert.Equal(t, 10*time.Second, cfg.ClockSkew)
}

func TestApplySecureDefaults_Warnings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   Config
		check    func(t *testing.T, cfg *Config)
		wantWarn string
	}{
		{
			name:     "short user code raised to minimum",
			config:   Config{UserCodeLength: 4},
			check:    func(t *testing.T, cfg *Config) { assert.Equal(t, minUserCodeLength, cfg.UserCodeLength) },
			wantWarn: "User code length below minimum",
		},
		{
			name:     "large clock skew",
			config:   Config{ClockSkew: 5 * time.Minute},
			check:    func(t *testing.T, cfg *Config) { assert.Equal(t, 5*time.Minute, cfg.ClockSkew) },
			wantWarn: "Large clock skew tolerance",
		},
		{
			name:     "negative clock skew disables tolerance",
			config:   Config{ClockSkew: -1},
			check:    func(t *testing.T, cfg *Config) { assert.Zero(t, cfg.ClockSkew) },
			wantWarn: "",
		},
		{
			name:     "small charset",
			config:   Config{UserCodeCharset: "ABC"},
			check:    func(t *testing.T, cfg *Config) { assert.Equal(t, "ABC", cfg.UserCodeCharset) },
			wantWarn: "Small user code alphabet",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, buf := captureLogger()
			cfg := tt.config
			cfg.Issuer = "https://id.example.com"

			tt.check(t, applySecureDefaults(&cfg, logger))
			if tt.wantWarn == "" {
				assert.NotContains(t, buf.String(), "WARN")
				return
			}
			assert.Contains(t, buf.String(), tt.wantWarn)
		})
	}
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   Config
		wantErr  string
		wantWarn string
	}{
		{name: "https", config: Config{Issuer: "https://id.example.com"}},
		{name: "https with path", config: Config{Issuer: "https://example.com/tenants/a"}},
		{name: "missing", config: Config{}, wantErr: "issuer is required"},
		{name: "query", config: Config{Issuer: "https://id.example.com?x=1"}, wantErr: "query or fragment"},
		{name: "fragment", config: Config{Issuer: "https://id.example.com#top"}, wantErr: "query or fragment"},
		{name: "bad scheme", config: Config{Issuer: "ftp://id.example.com"}, wantErr: "invalid issuer URL scheme"},
		{name: "http remote", config: Config{Issuer: "http://id.example.com"}, wantErr: "must use HTTPS"},
		{name: "http localhost", config: Config{Issuer: "http://localhost:8080"}, wantWarn: "DEVELOPMENT WARNING"},
		{name: "http loopback ip", config: Config{Issuer: "http://127.0.0.1:8080"}, wantWarn: "DEVELOPMENT WARNING"},
		{
			name:     "http remote allowed",
			config:   Config{Issuer: "http://id.internal", AllowInsecureHTTP: true},
			wantWarn: "CRITICAL SECURITY WARNING",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, buf := captureLogger()
			cfg := tt.config

			err := validateHTTPSEnforcement(&cfg, logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantWarn != "" {
				assert.Contains(t, buf.String(), tt.wantWarn)
			} else {
				assert.False(t, strings.Contains(buf.String(), "WARN"), buf.String())
			}
		})
	}
}
