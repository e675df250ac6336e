package tokens

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/storage"
)

// Config holds the dependencies of a Service.
type Config struct {
	// Issuer is the iss value of every token.
	Issuer string

	Keys keys.Provider

	// Profiles supplies user claims. Defaults to identity.ContextProfileService.
	Profiles identity.ProfileService

	// Clock defaults to the real clock.
	Clock clock.PassiveClock

	Logger *slog.Logger
}

// Service mints tokens. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	issuer   string
	keys     keys.Provider
	profiles identity.ProfileService
	clock    clock.PassiveClock
	logger   *slog.Logger
}

// NewService creates a token creation service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if cfg.Profiles == nil {
		cfg.Profiles = identity.ContextProfileService{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		issuer:   cfg.Issuer,
		keys:     cfg.Keys,
		profiles: cfg.Profiles,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Issuer returns the configured issuer.
func (s *Service) Issuer() string {
	return s.issuer
}

// Request describes what a token is issued for.
type Request struct {
	Client    *registry.Client
	Resources *registry.Resources

	// Subject is nil when no resource owner is involved.
	Subject *storage.SubjectContext

	Nonce     string
	LineageID string
}

// CreateAccessToken builds an access token for req.
//
// The token carries client_id, sub and the session claims of the subject, a
// fresh jti, one scope claim per granted scope, the client claims with their
// prefix, and the user claims requested by the granted API scopes and resources.
func (s *Service) CreateAccessToken(ctx context.Context, req Request) (*Token, error) {
	if req.Client == nil || req.Resources == nil {
		return nil, fmt.Errorf("client and resources are required")
	}

	t := &Token{
		Type:                         protocol.TokenTypeAccess,
		CreatedAt:                    s.clock.Now(),
		Lifetime:                     req.Client.AccessTokenLifetime,
		Issuer:                       s.issuer,
		Audiences:                    req.Resources.Audiences,
		ClientID:                     req.Client.ClientID,
		Reference:                    req.Client.AccessTokenType == registry.AccessTokenReference,
		ScopesAsSpaceDelimitedString: req.Client.EmitScopesAsSpaceDelimitedString,
		LineageID:                    req.LineageID,
	}

	t.Claims = append(t.Claims, claims.New(protocol.ClaimClientID, req.Client.ClientID))
	if req.Subject != nil {
		t.Subject = req.Subject.Subject
		t.Claims = append(t.Claims, subjectClaims(req.Subject)...)
	}
	t.Claims = append(t.Claims, claims.New(protocol.ClaimJWTID, uuid.NewString()))
	for _, scope := range req.Resources.Scopes {
		t.Claims = append(t.Claims, claims.New(protocol.ClaimScope, scope))
	}
	t.Claims = append(t.Claims, req.Client.ClaimsForAccessToken()...)

	if req.Subject != nil {
		userClaims, err := s.profiles.ProfileClaims(ctx, *req.Subject, req.Resources.AccessClaimTypes())
		if err != nil {
			return nil, fmt.Errorf("failed to load profile claims: %w", err)
		}
		t.Claims = append(t.Claims, withoutProtocolClaims(userClaims)...)
	}

	return t, nil
}

// CreateIdentityToken builds an identity token for req. accessToken is the
// serialized access token issued in the same response, or empty.
func (s *Service) CreateIdentityToken(ctx context.Context, req Request, accessToken string) (*Token, error) {
	if req.Client == nil || req.Resources == nil {
		return nil, fmt.Errorf("client and resources are required")
	}
	if req.Subject == nil {
		return nil, fmt.Errorf("identity tokens require a subject")
	}

	t := &Token{
		Type:      protocol.TokenTypeIdentity,
		CreatedAt: s.clock.Now(),
		Lifetime:  req.Client.IdentityTokenLifetime,
		Issuer:    s.issuer,
		Audiences: []string{req.Client.ClientID},
		ClientID:  req.Client.ClientID,
		Subject:   req.Subject.Subject,
		LineageID: req.LineageID,
	}

	if req.Nonce != "" {
		t.Claims = append(t.Claims, claims.New(protocol.ClaimNonce, req.Nonce))
	}
	if accessToken != "" {
		key, err := s.keys.SigningKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get signing key: %w", err)
		}
		atHash, err := AccessTokenHash(key.Algorithm, accessToken)
		if err != nil {
			return nil, err
		}
		t.Claims = append(t.Claims, claims.New(protocol.ClaimAccessHash, atHash))
	}
	t.Claims = append(t.Claims, subjectClaims(req.Subject)...)

	userClaims, err := s.profiles.ProfileClaims(ctx, *req.Subject, req.Resources.IdentityClaimTypes())
	if err != nil {
		return nil, fmt.Errorf("failed to load profile claims: %w", err)
	}
	t.Claims = append(t.Claims, withoutProtocolClaims(userClaims)...)

	return t, nil
}

// subjectClaims returns sub followed by the session claims captured at login.
func subjectClaims(subject *storage.SubjectContext) []claims.Claim {
	out := []claims.Claim{claims.New(protocol.ClaimSubject, subject.Subject)}
	if !subject.AuthTime.IsZero() {
		out = append(out, unixClaim(protocol.ClaimAuthTime, subject.AuthTime))
	}
	if subject.SessionID != "" {
		out = append(out, claims.New(protocol.ClaimSessionID, subject.SessionID))
	}
	if idp, ok := claims.First(subject.Claims, protocol.ClaimIdentityIdP); ok {
		out = append(out, claims.New(protocol.ClaimIdentityIdP, idp))
	}
	for _, amr := range claims.Values(subject.Claims, protocol.ClaimAuthMethods) {
		out = append(out, claims.New(protocol.ClaimAuthMethods, amr))
	}
	return out
}

// protocolClaimTypes are set by the service and never taken from profile data.
var protocolClaimTypes = []string{
	protocol.ClaimSubject, protocol.ClaimIssuer, protocol.ClaimAudience,
	protocol.ClaimExpiration, protocol.ClaimNotBefore, protocol.ClaimIssuedAt,
	protocol.ClaimJWTID, protocol.ClaimClientID, protocol.ClaimScope,
	protocol.ClaimNonce, protocol.ClaimAuthTime, protocol.ClaimSessionID,
	protocol.ClaimAccessHash, protocol.ClaimAuthMethods, protocol.ClaimIdentityIdP,
	protocol.ClaimTokenType,
}

func withoutProtocolClaims(in []claims.Claim) []claims.Claim {
	return claims.ExcludeTypes(in, protocolClaimTypes)
}

// AccessTokenHash computes at_hash: the left half of the hash of the access
// token, base64url encoded. The hash function follows the signing algorithm.
func AccessTokenHash(algorithm, accessToken string) (string, error) {
	var h hash.Hash
	switch algorithm {
	case "RS256", "PS256", "ES256":
		h = sha256.New()
	case "RS384", "PS384", "ES384":
		h = sha512.New384()
	case "RS512", "PS512", "ES512", "EdDSA":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// Issued is a serialized token.
type Issued struct {
	// Value is what the client receives: a compact JWS or a reference handle.
	Value     string
	Token     *Token
	ExpiresAt time.Time

	// Reference is set for reference tokens and must be persisted before Value
	// is handed out.
	Reference *storage.ReferenceToken
}

// Serialize turns t into its wire form. Self-contained tokens are signed with
// the active key; reference tokens get a fresh handle and a record to persist.
func (s *Service) Serialize(ctx context.Context, t *Token) (*Issued, error) {
	issued := &Issued{Token: t.clone(), ExpiresAt: t.ExpiresAt()}

	if t.Reference {
		handle := util.GenerateHandle()
		issued.Value = handle
		issued.Reference = &storage.ReferenceToken{
			Handle:                       handle,
			ClientID:                     t.ClientID,
			Subject:                      t.Subject,
			Issuer:                       t.Issuer,
			Audiences:                    issued.Token.Audiences,
			Scopes:                       t.Scopes(),
			Claims:                       t.AllClaims(),
			ScopesAsSpaceDelimitedString: t.ScopesAsSpaceDelimitedString,
			LineageID:                    t.LineageID,
			CreatedAt:                    t.CreatedAt,
			ExpiresAt:                    t.ExpiresAt(),
		}
		s.logger.Debug("Reference token minted",
			"type", t.Type,
			"client_id", t.ClientID,
			"handle_prefix", util.SafeTruncate(handle, 6))
		return issued, nil
	}

	payload, err := t.Payload()
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}

	typ := protocol.JWTTypeAccessToken
	if t.Type == protocol.TokenTypeIdentity {
		typ = protocol.JWTTypeIdentity
	}
	issued.Value, err = keys.Sign(key, typ, raw)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Token signed",
		"type", t.Type,
		"client_id", t.ClientID,
		"key_id", key.KeyID)
	return issued, nil
}

// RefreshRequest describes a refresh token to mint.
type RefreshRequest struct {
	Client    *registry.Client
	Subject   storage.SubjectContext
	Scopes    []string
	Resources []string

	// LineageID continues an existing lineage; empty starts a new one.
	LineageID  string
	Generation int

	// ExpiresAt keeps the absolute expiry of an existing lineage. Zero starts
	// a new absolute lifetime.
	ExpiresAt time.Time
}

// IssuedRefreshToken is a minted refresh token and the record to persist.
type IssuedRefreshToken struct {
	Value  string
	Record *storage.RefreshToken
}

// CreateRefreshToken mints a refresh token. The storage handle is random; the
// wire value is the handle itself or, for clients using the jwt format, a
// signed rt+jwt whose jti is the handle.
func (s *Service) CreateRefreshToken(ctx context.Context, req RefreshRequest) (*IssuedRefreshToken, error) {
	if req.Client == nil {
		return nil, fmt.Errorf("client is required")
	}

	now := s.clock.Now()
	rec := &storage.RefreshToken{
		Handle:     util.GenerateHandle(),
		LineageID:  req.LineageID,
		Generation: req.Generation,
		ClientID:   req.Client.ClientID,
		Subject:    req.Subject,
		Scopes:     req.Scopes,
		Resources:  req.Resources,
		CreatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
	}
	if rec.LineageID == "" {
		rec.LineageID = uuid.NewString()
		rec.Generation = 0
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(req.Client.AbsoluteRefreshTokenLifetime)
	}
	rec = rec.Clone()

	out := &IssuedRefreshToken{Value: rec.Handle, Record: rec}
	if req.Client.RefreshTokenFormat != registry.RefreshTokenJWT {
		return out, nil
	}

	payload, err := claims.BuildPayload([]claims.Claim{
		claims.New(protocol.ClaimIssuer, s.issuer),
		unixClaim(protocol.ClaimIssuedAt, now),
		unixClaim(protocol.ClaimExpiration, rec.ExpiresAt),
		claims.New(protocol.ClaimAudience, s.issuer),
		claims.New(protocol.ClaimClientID, rec.ClientID),
		claims.New(protocol.ClaimSubject, rec.Subject.Subject),
		claims.New(protocol.ClaimJWTID, rec.Handle),
	}, claims.Options{})
	if err != nil {
		return nil, err
	}
	raw, err := payload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	if out.Value, err = keys.Sign(key, protocol.JWTTypeRefreshToken, raw); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpiresIn returns the whole seconds until exp, never negative.
func ExpiresIn(now, exp time.Time) int64 {
	secs := int64(exp.Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// FormatScope joins scopes for the token endpoint scope response field.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
