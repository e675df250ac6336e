package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
)

// Default values applied by applySecureDefaults.
const (
	DefaultUserCodeCharset  = "BCDFGHJKLMNPQRSTVWXZ"
	DefaultUserCodeLength   = 8
	DefaultVerificationPath = "/device"
	DefaultTokenPath        = "/token"

	// minUserCodeLength keeps brute force of pending user codes impractical
	minUserCodeLength = 6
)

// Config holds the provider settings that are not part of the client
// registry.
type Config struct {
	// Issuer is the iss of every token and the base of the endpoint URLs
	Issuer string

	// VerificationURI is where users enter device user codes.
	// Default: Issuer + "/device"
	VerificationURI string

	// UserCodeCharset is the alphabet of device user codes. The default leaves
	// out vowels and easily confused letters.
	UserCodeCharset string

	// UserCodeLength is the number of characters in a user code.
	// Default: 8, minimum 6
	UserCodeLength int

	// AssertionAudiences are accepted as aud of private_key_jwt client
	// assertions.
	// Default: Issuer and Issuer + "/token"
	AssertionAudiences []string

	// ClockSkew is tolerated on exp and nbf of presented tokens and assertions.
	// Default: 5 seconds; negative disables the tolerance
	ClockSkew time.Duration

	// AllowInsecureHTTP permits an http:// issuer outside localhost.
	// WARNING: tokens and client secrets travel in clear text
	AllowInsecureHTTP bool
}

// applySecureDefaults fills unset values and logs weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	config.Issuer = strings.TrimSuffix(config.Issuer, "/")

	if config.VerificationURI == "" {
		config.VerificationURI = config.Issuer + DefaultVerificationPath
	}
	if config.UserCodeCharset == "" {
		config.UserCodeCharset = DefaultUserCodeCharset
	}
	if config.UserCodeLength == 0 {
		config.UserCodeLength = DefaultUserCodeLength
	} else if config.UserCodeLength < minUserCodeLength {
		logger.Warn("User code length below minimum, using minimum",
			"configured", config.UserCodeLength,
			"minimum", minUserCodeLength)
		config.UserCodeLength = minUserCodeLength
	}
	if len(config.AssertionAudiences) == 0 {
		config.AssertionAudiences = []string{config.Issuer, config.Issuer + DefaultTokenPath}
	}
	switch {
	case config.ClockSkew == 0:
		config.ClockSkew = security.DefaultClockSkew
	case config.ClockSkew < 0:
		config.ClockSkew = 0
	}

	logSecurityWarnings(config, logger)
	return config
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.ClockSkew > time.Minute {
		logger.Warn("SECURITY WARNING: Large clock skew tolerance",
			"clock_skew", config.ClockSkew,
			"risk", "Expired tokens and client assertions stay usable for longer",
			"recommendation", "Keep ClockSkew at a few seconds and synchronize clocks")
	}
	if len(config.UserCodeCharset) < 10 {
		logger.Warn("SECURITY WARNING: Small user code alphabet",
			"charset_size", len(config.UserCodeCharset),
			"risk", "Pending device authorizations become guessable")
	}
}

// validateHTTPSEnforcement rejects a plain HTTP issuer unless it is a
// loopback address or AllowInsecureHTTP is set.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHost(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("DEVELOPMENT WARNING: Serving OIDC over HTTP on localhost",
				"issuer", config.Issuer,
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}
	if !config.AllowInsecureHTTP {
		return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP=true to override", issuerURL.Scheme, hostname)
	}

	logger.Error("CRITICAL SECURITY WARNING: Serving OIDC over HTTP",
		"issuer", config.Issuer,
		"hostname", hostname,
		"risk", "Tokens and client secrets exposed to network sniffing",
		"action_required", "Switch to HTTPS")
	return nil
}
