package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// SupportedAlgorithms are the JWS algorithms accepted on presented tokens.
var SupportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// ValidatorConfig holds the dependencies of a Validator.
type ValidatorConfig struct {
	Issuer string
	Keys   keys.Provider

	ReferenceTokens storage.ReferenceTokenStore
	// Lineages is consulted for tokens issued alongside a refresh token.
	Lineages    storage.RefreshTokenStore
	Revocations storage.RevocationStore

	// ClockSkew is tolerated on exp and nbf. Defaults to security.DefaultClockSkew;
	// set a negative value to disable.
	ClockSkew time.Duration
	Clock     clock.PassiveClock
	Logger    *slog.Logger
}

// Validator checks presented tokens. It never modifies stores.
type Validator struct {
	issuer      string
	keys        keys.Provider
	references  storage.ReferenceTokenStore
	lineages    storage.RefreshTokenStore
	revocations storage.RevocationStore
	skew        time.Duration
	clock       clock.PassiveClock
	logger      *slog.Logger
}

// NewValidator creates a token validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if cfg.ReferenceTokens == nil || cfg.Lineages == nil || cfg.Revocations == nil {
		return nil, fmt.Errorf("reference token, refresh token and revocation stores are required")
	}
	switch {
	case cfg.ClockSkew == 0:
		cfg.ClockSkew = security.DefaultClockSkew
	case cfg.ClockSkew < 0:
		cfg.ClockSkew = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		issuer:      cfg.Issuer,
		keys:        cfg.Keys,
		references:  cfg.ReferenceTokens,
		lineages:    cfg.Lineages,
		revocations: cfg.Revocations,
		skew:        cfg.ClockSkew,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Expectation narrows what a presented token must look like.
type Expectation struct {
	// Type is the required JOSE typ header. Empty accepts at+jwt only.
	Type string

	// Audience must be one of the token's aud values when set.
	Audience string

	// AllowExpired skips the exp check, as for id_token_hint at logout.
	AllowExpired bool
}

// Result is a validated token.
type Result struct {
	Claims    map[string]any
	Subject   string
	ClientID  string
	Scopes    []string
	Audiences []string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Reference bool
	LineageID string
}

// HasScope reports whether scope was granted to the token.
func (r *Result) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// Validate checks token in order: format, signature, lifetime, issuer and
// audience, revocation. The first failing check decides the rejection kind.
func (v *Validator) Validate(ctx context.Context, token string, exp Expectation) (*Result, error) {
	if exp.Type == "" {
		exp.Type = protocol.JWTTypeAccessToken
	}
	if token == "" {
		return nil, protocol.InvalidToken("token is missing")
	}
	if strings.Count(token, ".") == 2 {
		return v.validateJWT(ctx, token, exp)
	}
	if exp.Type != protocol.JWTTypeAccessToken {
		return nil, protocol.InvalidToken("malformed token")
	}
	return v.validateReference(ctx, token, exp)
}

// ValidateAccessToken validates a self-contained or reference access token.
func (v *Validator) ValidateAccessToken(ctx context.Context, token, audience string) (*Result, error) {
	return v.Validate(ctx, token, Expectation{Type: protocol.JWTTypeAccessToken, Audience: audience})
}

// ValidateIdentityToken validates an identity token issued to clientID.
func (v *Validator) ValidateIdentityToken(ctx context.Context, token, clientID string, allowExpired bool) (*Result, error) {
	return v.Validate(ctx, token, Expectation{Type: protocol.JWTTypeIdentity, Audience: clientID, AllowExpired: allowExpired})
}

// RefreshHandle resolves the wire form of a refresh token to its storage
// handle. Opaque values are handles; rt+jwt values carry it as jti after their
// signature has been verified. Expiry is judged against the stored record.
func (v *Validator) RefreshHandle(ctx context.Context, value string) (string, error) {
	if strings.Count(value, ".") != 2 {
		return value, nil
	}
	res, err := v.Validate(ctx, value, Expectation{Type: protocol.JWTTypeRefreshToken, AllowExpired: true})
	if err != nil {
		return "", err
	}
	if res.JWTID == "" {
		return "", protocol.InvalidToken("refresh token has no identifier")
	}
	return res.JWTID, nil
}

// Inspect verifies format and signature only and returns the JWT claims. It
// is used by revocation, where an expired token may still be revoked.
func (v *Validator) Inspect(ctx context.Context, token string) (*Result, error) {
	if strings.Count(token, ".") != 2 {
		return nil, protocol.InvalidToken("malformed token")
	}
	payload, _, err := v.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return resultFromClaims(payload)
}

func (v *Validator) validateJWT(ctx context.Context, token string, exp Expectation) (*Result, error) {
	payload, typ, err := v.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(typ, exp.Type) && !(exp.Type == protocol.JWTTypeIdentity && typ == "") {
		return nil, protocol.InvalidToken("unexpected token type")
	}

	res, err := resultFromClaims(payload)
	if err != nil {
		return nil, err
	}

	notBefore, _ := numericDate(payload[protocol.ClaimNotBefore])
	if err := v.checkLifetime(notBefore, res.ExpiresAt, exp.AllowExpired); err != nil {
		return nil, err
	}
	iss, _ := payload[protocol.ClaimIssuer].(string)
	if err := v.checkAudience(iss, res.Audiences, exp.Audience); err != nil {
		return nil, err
	}

	if exp.Type == protocol.JWTTypeAccessToken && res.JWTID != "" {
		revoked, err := v.revocations.IsTokenIDRevoked(ctx, res.JWTID)
		if err != nil {
			return nil, protocol.ServerError(fmt.Errorf("failed to check revocation: %w", err))
		}
		if revoked {
			return nil, protocol.InvalidToken("token has been revoked")
		}
	}
	return res, nil
}

// verify parses the compact JWS and checks its signature against the published
// key with a matching kid. Tokens without kid are tried against every key.
func (v *Validator) verify(ctx context.Context, token string) (map[string]any, string, error) {
	jws, err := jose.ParseSigned(token, SupportedAlgorithms)
	if err != nil {
		return nil, "", protocol.InvalidToken("malformed token")
	}
	if len(jws.Signatures) != 1 {
		return nil, "", protocol.InvalidToken("malformed token")
	}
	header := jws.Signatures[0].Header

	pubs, err := v.keys.PublicKeys(ctx)
	if err != nil {
		return nil, "", protocol.ServerError(fmt.Errorf("failed to list public keys: %w", err))
	}

	var raw []byte
	for _, pk := range pubs {
		if header.KeyID != "" && pk.KeyID != header.KeyID {
			continue
		}
		if pk.Algorithm != header.Algorithm {
			continue
		}
		if raw, err = jws.Verify(pk.PublicKey); err == nil {
			break
		}
	}
	if raw == nil {
		v.logger.Debug("Token signature rejected", "key_id", header.KeyID, "algorithm", header.Algorithm)
		return nil, "", protocol.InvalidSignature("signature verification failed")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, "", protocol.InvalidToken("malformed token payload")
	}

	typ, _ := header.ExtraHeaders[jose.HeaderType].(string)
	return payload, typ, nil
}

func (v *Validator) validateReference(ctx context.Context, handle string, exp Expectation) (*Result, error) {
	ref, err := v.references.GetReferenceToken(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, protocol.InvalidToken("token is unknown")
	}
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to load reference token: %w", err))
	}

	if err := v.checkLifetime(ref.CreatedAt, ref.ExpiresAt, exp.AllowExpired); err != nil {
		return nil, err
	}
	if err := v.checkAudience(ref.Issuer, ref.Audiences, exp.Audience); err != nil {
		return nil, err
	}
	if ref.LineageID != "" {
		revoked, err := v.lineages.IsLineageRevoked(ctx, ref.LineageID)
		if err != nil {
			return nil, protocol.ServerError(fmt.Errorf("failed to check lineage: %w", err))
		}
		if revoked {
			return nil, protocol.InvalidToken("token has been revoked")
		}
	}

	payload, err := referencePayload(ref)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to rebuild reference token claims: %w", err))
	}
	jti, _ := claims.First(ref.Claims, protocol.ClaimJWTID)
	return &Result{
		Claims:    payload,
		Subject:   ref.Subject,
		ClientID:  ref.ClientID,
		Scopes:    slices.Clone(ref.Scopes),
		Audiences: slices.Clone(ref.Audiences),
		JWTID:     jti,
		IssuedAt:  ref.CreatedAt,
		ExpiresAt: ref.ExpiresAt,
		Reference: true,
		LineageID: ref.LineageID,
	}, nil
}

// referencePayload rebuilds the claims of a reference token in the shape a
// decoded JWT payload has.
func referencePayload(ref *storage.ReferenceToken) (map[string]any, error) {
	payload, err := claims.BuildPayload(ref.Claims, payloadOptions(ref.ScopesAsSpaceDelimitedString))
	if err != nil {
		return nil, err
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Validator) checkLifetime(notBefore, expiresAt time.Time, allowExpired bool) error {
	now := v.clock.Now()
	if !allowExpired && (expiresAt.IsZero() || security.IsExpiredAt(now, expiresAt, v.skew)) {
		return protocol.Expired("token has expired")
	}
	if security.IsNotYetValidAt(now, notBefore, v.skew) {
		return protocol.Expired("token is not yet valid")
	}
	return nil
}

func (v *Validator) checkAudience(issuer string, audiences []string, expected string) error {
	if issuer != v.issuer {
		return protocol.InvalidAudience("token was issued by another issuer")
	}
	if expected != "" && !slices.Contains(audiences, expected) {
		return protocol.InvalidAudience("token is not intended for this audience")
	}
	return nil
}

func resultFromClaims(payload map[string]any) (*Result, error) {
	res := &Result{Claims: payload}
	res.Subject, _ = payload[protocol.ClaimSubject].(string)
	res.ClientID, _ = payload[protocol.ClaimClientID].(string)
	res.JWTID, _ = payload[protocol.ClaimJWTID].(string)
	res.Audiences = stringList(payload[protocol.ClaimAudience])
	res.IssuedAt, _ = numericDate(payload[protocol.ClaimIssuedAt])

	switch scope := payload[protocol.ClaimScope].(type) {
	case string:
		res.Scopes = strings.Fields(scope)
	default:
		res.Scopes = stringList(scope)
	}

	var ok bool
	if res.ExpiresAt, ok = numericDate(payload[protocol.ClaimExpiration]); !ok {
		return nil, protocol.InvalidToken("token has no expiry")
	}
	return res, nil
}

func numericDate(v any) (time.Time, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return time.Time{}, false
	}
	secs, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return time.Time{}, false
		}
		secs = int64(f)
	}
	return time.Unix(secs, 0).UTC(), true
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
