package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/registry"
)

// ReplayPurposeClientAssertion scopes client assertion jti values in the replay cache.
const ReplayPurposeClientAssertion = "client_assertion"

// Compared against when the client is unknown so that every failed
// authentication costs one bcrypt comparison.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// One description for every client authentication failure.
const clientAuthFailed = "client authentication failed"

// assertionAlgorithms are the JWS algorithms accepted on client assertions.
var assertionAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Credentials holds client credentials taken from the HTTP Authorization header.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// Basic is set when the request carried HTTP Basic authentication.
	Basic bool
}

// BasicCredentials extracts HTTP Basic client credentials. Both parts are
// form-urlencoded per RFC 6749 section 2.3.1.
func BasicCredentials(r *http.Request) (Credentials, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return Credentials{}, nil
	}
	id, err := url.QueryUnescape(user)
	if err != nil {
		return Credentials{}, protocol.InvalidClient(clientAuthFailed)
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return Credentials{}, protocol.InvalidClient(clientAuthFailed)
	}
	return Credentials{ClientID: id, ClientSecret: secret, Basic: true}, nil
}

// authenticateClient identifies the calling client with exactly one method.
func (v *Validator) authenticateClient(ctx context.Context, snap *registry.Snapshot, params url.Values, creds Credentials) (*registry.Client, string, error) {
	postID := params.Get(protocol.ParamClientID)
	postSecret := params.Get(protocol.ParamClientSecret)
	assertion := params.Get(protocol.ParamClientAssertion)
	assertionType := params.Get(protocol.ParamClientAssertionType)

	switch {
	case creds.Basic:
		if postSecret != "" || assertion != "" {
			return nil, "", protocol.InvalidRequest("multiple client authentication methods")
		}
		if postID != "" && postID != creds.ClientID {
			return nil, "", protocol.InvalidClient(clientAuthFailed)
		}
		client, err := v.authenticateSecret(snap, creds.ClientID, creds.ClientSecret)
		return client, protocol.AuthMethodClientSecretBasic, err

	case assertion != "" || assertionType != "":
		if postSecret != "" {
			return nil, "", protocol.InvalidRequest("multiple client authentication methods")
		}
		client, err := v.authenticateAssertion(ctx, snap, postID, assertionType, assertion)
		return client, protocol.AuthMethodPrivateKeyJWT, err

	case postSecret != "":
		client, err := v.authenticateSecret(snap, postID, postSecret)
		return client, protocol.AuthMethodClientSecretPost, err

	default:
		client, ok := snap.Client(postID)
		if !ok || !client.Public {
			return nil, "", protocol.InvalidClient(clientAuthFailed)
		}
		return client, protocol.AuthMethodNone, nil
	}
}

func (v *Validator) authenticateSecret(snap *registry.Snapshot, clientID, secret string) (*registry.Client, error) {
	client, ok := snap.Client(clientID)
	if !ok || client.Public || len(client.Secrets) == 0 {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return nil, protocol.InvalidClient(clientAuthFailed)
	}
	if !matchesAnySecret(client.Secrets, secret, v.clock.Now()) {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}
	return client, nil
}

func matchesAnySecret(secrets []registry.Secret, plain string, now time.Time) bool {
	for _, s := range secrets {
		if s.Matches(plain, now) {
			return true
		}
	}
	return false
}

// authenticateAssertion verifies an RFC 7523 client assertion against the
// client's registered JWKS and records its jti in the replay cache.
func (v *Validator) authenticateAssertion(ctx context.Context, snap *registry.Snapshot, postID, assertionType, assertion string) (*registry.Client, error) {
	if assertionType != protocol.ClientAssertionTypeJWTBearer || assertion == "" {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}

	var peek jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &peek); err != nil {
		return nil, protocol.InvalidClient(clientAuthFailed).WithCause(err)
	}
	clientID := peek.Subject
	if clientID == "" || (postID != "" && postID != clientID) {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}

	client, ok := snap.Client(clientID)
	if !ok || client.VerificationKeys() == nil {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(assertionAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(clientID),
		jwt.WithSubject(clientID),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithLeeway(v.clockSkew),
	)
	var rc jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(assertion, &rc, assertionKeyfunc(client.VerificationKeys())); err != nil {
		v.logger.Debug("Client assertion rejected", "client_id", clientID, "error", err)
		return nil, protocol.InvalidClient(clientAuthFailed).WithCause(err)
	}

	if !slices.ContainsFunc(rc.Audience, v.isAssertionAudience) {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}
	if rc.ID == "" {
		return nil, protocol.InvalidClient(clientAuthFailed)
	}

	fresh, err := v.replay.MarkUsed(ctx, ReplayPurposeClientAssertion, clientID+":"+rc.ID, rc.ExpiresAt.Time)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to record client assertion: %w", err))
	}
	if !fresh {
		v.logger.Warn("Client assertion replayed", "client_id", clientID)
		return nil, protocol.InvalidClient(clientAuthFailed)
	}
	return client, nil
}

func (v *Validator) isAssertionAudience(aud string) bool {
	return slices.Contains(v.assertionAudiences, aud)
}

// assertionKeyfunc selects the verification key by kid. Without a kid the set
// must hold exactly one key usable with the token's algorithm.
func assertionKeyfunc(set *jose.JSONWebKeySet) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		candidates := set.Keys
		if kid, _ := token.Header["kid"].(string); kid != "" {
			candidates = set.Key(kid)
		}

		var matched []jose.JSONWebKey
		for _, k := range candidates {
			if k.Algorithm != "" && k.Algorithm != token.Method.Alg() {
				continue
			}
			if !k.IsPublic() {
				k = k.Public()
			}
			matched = append(matched, k)
		}

		switch len(matched) {
		case 0:
			return nil, errors.New("no matching verification key")
		case 1:
			return matched[0].Key, nil
		default:
			return nil, errors.New("assertion must identify its key with kid")
		}
	}
}
