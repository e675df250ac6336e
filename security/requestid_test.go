package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithRequestID(t *testing.T, upstream string) (header, seen string) {
	t.Helper()
	var got string
	h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if upstream != "" {
		r.Header.Set(RequestIDHeader, upstream)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr.Header().Get(RequestIDHeader), got
}

func TestRequestIDMiddleware_Generates(t *testing.T) {
	header, seen := serveWithRequestID(t, "")
	require.NotEmpty(t, header)
	assert.Equal(t, header, seen)
	_, err := uuid.Parse(header)
	assert.NoError(t, err)
}

func TestRequestIDMiddleware_Upstream(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		kept     bool
	}{
		{"uuid", "0b7c5f0e-2c4f-4a61-9d7e-6f3f8a3e9b21", true},
		{"load balancer", "Root=1-67891233.abcdef012345678912345678", false},
		{"dotted", "req.42_a-b", true},
		{"CRLF injection", "abc\r\nSet-Cookie: x=y", false},
		{"too long", strings.Repeat("a", 129), false},
		{"spaces", "a b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, seen := serveWithRequestID(t, tt.upstream)
			assert.Equal(t, header, seen)
			if tt.kept {
				assert.Equal(t, tt.upstream, header)
			} else {
				assert.NotEqual(t, tt.upstream, header)
				assert.NotEmpty(t, header)
			}
		})
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(ContextWithRequestID(context.Background(), "req-1"), logger).Info("hello")
	assert.Contains(t, buf.String(), "request_id=req-1")

	buf.Reset()
	LoggerWithRequestID(context.Background(), logger).Info("hello")
	assert.NotContains(t, buf.String(), "request_id")
}
