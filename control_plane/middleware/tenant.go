package middleware

import (
	"context"
	"errors"
	"net/http"
)

// ctxKey is a private type for context keys so no other package can
// collide with them.
type ctxKey string

const (
	// TenantKey carries the resolved tenant ID.
	TenantKey ctxKey = "tenant_id"
	// TenantHeader is the header dev-mode tenancy reads.
	TenantHeader = "X-Tenant-ID"

	maxTenantIDLen = 128
)

var errNoTenant = errors.New("middleware: no tenant in request context")

// TenantMiddleware resolves the tenant from the X-Tenant-ID header. It is
// the AUTH_DISABLED substitute for AuthMiddleware, which resolves the
// tenant from token claims instead; both inject the same context key so
// handlers never care which mode is active.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if !validTenantID(tenantID) {
			http.Error(w, "missing or invalid "+TenantHeader+" header", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenantFromContext retrieves the tenant ID injected by either
// middleware.
func GetTenantFromContext(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(TenantKey).(string); ok && id != "" {
		return id, nil
	}
	return "", errNoTenant
}

// validTenantID bounds length and restricts to the characters the store
// key scheme can safely embed.
func validTenantID(id string) bool {
	if id == "" || len(id) > maxTenantIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
