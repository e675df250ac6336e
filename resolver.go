package oauth

import (
	"net/http"
	"slices"
	"strings"

	"k8s.io/utils/clock"

	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/validation"
)

// Default headers of an authenticating reverse proxy
const (
	DefaultSubjectHeader = "X-Forwarded-User"
	DefaultSessionHeader = "X-Forwarded-Session"
)

// HeaderSubjectResolver takes the subject from a header set by an
// authenticating reverse proxy in front of the authorization endpoint.
// Only use it when every request passes through that proxy and the proxy
// strips the header from client requests.
type HeaderSubjectResolver struct {
	// SubjectHeader carries the subject identifier.
	// Default: X-Forwarded-User
	SubjectHeader string

	// SessionHeader carries the proxy session id, used as sid.
	// Default: X-Forwarded-Session
	SessionHeader string

	// Clock stamps auth_time. Default: the real clock
	Clock clock.PassiveClock
}

// ResolveSubject implements SubjectResolver.
func (h *HeaderSubjectResolver) ResolveSubject(_ http.ResponseWriter, r *http.Request, req *validation.ValidatedRequest) (*storage.SubjectContext, error) {
	subjectHeader := h.SubjectHeader
	if subjectHeader == "" {
		subjectHeader = DefaultSubjectHeader
	}
	sessionHeader := h.SessionHeader
	if sessionHeader == "" {
		sessionHeader = DefaultSessionHeader
	}

	subject := strings.TrimSpace(r.Header.Get(subjectHeader))
	if subject == "" {
		return nil, protocol.NewError(protocol.KindAccessDenied, "user is not authenticated")
	}
	if slices.Contains(req.Prompt(), protocol.PromptLogin) {
		// The proxy session cannot be re-authenticated from here.
		return nil, protocol.NewError(protocol.KindAccessDenied, "re-authentication is not supported")
	}

	var now clock.PassiveClock = clock.RealClock{}
	if h.Clock != nil {
		now = h.Clock
	}
	return &storage.SubjectContext{
		Subject:   subject,
		SessionID: strings.TrimSpace(r.Header.Get(sessionHeader)),
		AuthTime:  now.Now().UTC(),
	}, nil
}
