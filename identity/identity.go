// Package identity supplies the resource owner side of token issuance: profile
// claims for a subject and credential checks for the password grant.
//
// Login UIs and upstream identity providers are outside this module. Deployments
// that have them implement ProfileService and ResourceOwnerValidator; the file
// backed UserStore covers development and small installations.
package identity

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/storage"
)

// ErrInvalidCredentials is returned when a username/password pair does not
// match an active user. Unknown users and wrong passwords are not distinguished.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// ProfileService returns claims about a subject.
type ProfileService interface {
	// ProfileClaims returns the subject's claims whose type is in claimTypes.
	// Claims captured at login take precedence over stored ones of the same type.
	ProfileClaims(ctx context.Context, subject storage.SubjectContext, claimTypes []string) ([]claims.Claim, error)

	// IsActive reports whether tokens may still be issued for subject.
	IsActive(ctx context.Context, subject string) (bool, error)
}

// ResourceOwnerValidator checks resource owner credentials for the password grant.
type ResourceOwnerValidator interface {
	// ValidateCredentials returns the authenticated subject or ErrInvalidCredentials.
	ValidateCredentials(ctx context.Context, username, password string) (storage.SubjectContext, error)
}

// ContextProfileService serves profile claims straight from the subject context
// captured at login. It is used when no user directory is configured.
type ContextProfileService struct{}

// ProfileClaims filters the login context claims.
func (ContextProfileService) ProfileClaims(_ context.Context, subject storage.SubjectContext, claimTypes []string) ([]claims.Claim, error) {
	return claims.FilterTypes(subject.Claims, claimTypes), nil
}

// IsActive always reports true.
func (ContextProfileService) IsActive(context.Context, string) (bool, error) {
	return true, nil
}
