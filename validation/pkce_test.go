package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/protocol"
)

func TestIsWellFormedPKCEValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"unreserved punctuation", strings.Repeat("-._~", 11), true},
		{"space", strings.Repeat("a", 42) + " ", false},
		{"plus", strings.Repeat("a", 42) + "+", false},
		{"non ascii", strings.Repeat("a", 41) + "é", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsWellFormedPKCEValue(tt.value))
		})
	}
}

func TestVerifyCodeChallenge(t *testing.T) {
	t.Parallel()

	challenge, verifier := testutil.PKCEPair()
	_, other := testutil.PKCEPair()

	assert.True(t, VerifyCodeChallenge(challenge, protocol.PKCEMethodS256, verifier))
	assert.False(t, VerifyCodeChallenge(challenge, protocol.PKCEMethodS256, other))
	assert.False(t, VerifyCodeChallenge(challenge, protocol.PKCEMethodPlain, verifier))
	assert.True(t, VerifyCodeChallenge(verifier, protocol.PKCEMethodPlain, verifier))
	assert.True(t, VerifyCodeChallenge(verifier, "", verifier))
	assert.False(t, VerifyCodeChallenge(challenge, "S512", verifier))
	assert.False(t, VerifyCodeChallenge("short", protocol.PKCEMethodPlain, "short"))
}
