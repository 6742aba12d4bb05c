package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("k3y", "/api/health")(noContent)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"public path", "/api/health", nil, http.StatusNoContent},
		{"missing key", "/api/account", nil, http.StatusUnauthorized},
		{"bearer", "/api/account", map[string]string{"Authorization": "Bearer k3y"}, http.StatusNoContent},
		{"bearer lower case scheme", "/api/account", map[string]string{"Authorization": "bearer k3y"}, http.StatusNoContent},
		{"api key header", "/api/account", map[string]string{APIKeyHeader: "k3y"}, http.StatusNoContent},
		{"wrong key", "/api/account", map[string]string{APIKeyHeader: "nope"}, http.StatusUnauthorized},
		{"basic scheme ignored", "/api/account", map[string]string{"Authorization": "Basic k3y"}, http.StatusUnauthorized},
		{"query only on ws", "/api/account?api_key=k3y", nil, http.StatusUnauthorized},
		{"ws query", "/ws?api_key=k3y", nil, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			rec := serve(h, r)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}

	open := Auth("")(noContent)
	assert.Equal(t, http.StatusNoContent, serve(open, httptest.NewRequest(http.MethodGet, "/api/account", nil)).Code)
}

func TestUser(t *testing.T) {
	var got string
	h := User("/api/account")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/account", nil)
	r.Header.Set(UserHeader, " alice@example.com ")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)
	assert.Equal(t, "alice@example.com", got)

	r = httptest.NewRequest(http.MethodGet, "/api/account?user_id=bob", nil)
	serve(h, r)
	assert.Equal(t, "bob", got)

	r = httptest.NewRequest(http.MethodGet, "/api/account", nil)
	r.Header.Set(UserHeader, "no spaces allowed")
	assert.Equal(t, http.StatusBadRequest, serve(h, r).Code)

	got = ""
	serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Empty(t, got)
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", clientAddr(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", clientAddr(r))

	r.Header.Set("X-Forwarded-For", " 10.0.0.1 , 10.0.0.3")
	assert.Equal(t, "10.0.0.1", clientAddr(r))
}

func TestLocalBucketsSweepIdle(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b := &buckets{rps: 1, burst: 1, byAddr: map[string]*bucket{}, now: func() time.Time { return now }}

	assert.True(t, b.allow("a"))
	assert.False(t, b.allow("a"))
	assert.True(t, b.allow("b"))

	now = now.Add(bucketIdleTTL + 2*time.Minute)
	assert.True(t, b.allow("c"))
	assert.Len(t, b.byAddr, 1)
}

type stubLimiter struct {
	allow bool
	err   error
}

func (s stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return s.allow, s.err
}

func TestRateLimitSharedLimiter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	rec := serve(RateLimit(stubLimiter{allow: false}, 1, time.Second)(noContent), r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = serve(RateLimit(stubLimiter{err: io.ErrUnexpectedEOF}, 1, time.Second)(noContent), r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggingRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/account", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	rec := serve(h, r)
	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/account", nil))
	require.NotEmpty(t, seen)
	assert.NotEqual(t, "req-1", seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}
