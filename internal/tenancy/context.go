// Package tenancy carries the authenticated tenant through the request path
// and manages tenant API keys.
package tenancy

import "context"

type contextKey string

const tenantKey contextKey = "tenant_id"

// WithTenant stamps the authenticated tenant onto the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// FromContext returns the tenant identity set during authentication.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey).(string)
	return id, ok && id != ""
}
