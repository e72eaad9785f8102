package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsense/backend/internal/tenancy"
)

type fakeAuth struct {
	tenantID string
	err      error
}

func (f *fakeAuth) Authenticate(ctx context.Context, token string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.tenantID, nil
}

func tenantEcho(t *testing.T) (http.Handler, *string) {
	var seen string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenancy.FromContext(r.Context())
		require.True(t, ok)
		seen = tenantID
	})
	return h, &seen
}

func TestTenantAuthBearerHeader(t *testing.T) {
	next, seen := tenantEcho(t)
	handler := TenantAuth(&fakeAuth{tenantID: "tenant-1"})(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer cs_abc.secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-1", *seen)
}

func TestTenantAuthQueryParamFallback(t *testing.T) {
	next, seen := tenantEcho(t)
	handler := TenantAuth(&fakeAuth{tenantID: "tenant-2"})(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?api_key=cs_abc.secret", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-2", *seen)
}

func TestTenantAuthMissingCredentials(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := TenantAuth(&fakeAuth{tenantID: "tenant-1"})(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestTenantAuthRejectedToken(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := TenantAuth(&fakeAuth{err: tenancy.ErrInvalidKey})(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer cs_bad.token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 10})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("tenant-1"))
	}
	assert.False(t, rl.Allow("tenant-1"))
	// Another tenant has its own window.
	assert.True(t, rl.Allow("tenant-2"))
}
