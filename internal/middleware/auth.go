// Package middleware holds the HTTP middlewares: API-key authentication and
// per-tenant rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/coldsense/backend/internal/tenancy"
)

// Authenticator resolves a bearer token to a tenant. The tenancy KeyManager
// satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// TenantAuth validates the Authorization bearer token (or api_key query
// parameter for transports that cannot set headers) and stamps the tenant
// onto the request context.
func TenantAuth(auth Authenticator) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[AUTH] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, "missing credentials")
				return
			}
			tenantID, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				logger.Printf("Rejected request to %s: %v", r.URL.Path, err)
				writeAuthError(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithTenant(r.Context(), tenantID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    "Unauthorized",
		"message": msg,
	})
}
