package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/itskum47/agentflux/control_plane/auth"
)

const (
	// RoleKey carries the authenticated role.
	RoleKey ctxKey = "role"
	// ClaimsKey carries the full verified claim set.
	ClaimsKey ctxKey = "claims"
)

// AuthMiddleware verifies the bearer token and injects tenant, role and
// claims into the request context. Failures are answered with a uniform
// 401 so callers learn nothing about why a token was rejected.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			unauthorized(w)
			return
		}
		if !validTenantID(claims.TenantID) {
			unauthorized(w)
			return
		}

		ctx := WithTenant(r.Context(), claims.TenantID)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		ctx = context.WithValue(ctx, ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentflux"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// GetRoleFromContext returns the authenticated role, "" when the request
// came through header tenancy (AUTH_DISABLED).
func GetRoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}

// RequireRole guards a handler behind a role. Requests with no role in
// context (header tenancy) pass, since dev mode carries no claims at all.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := GetRoleFromContext(r.Context()); got != "" && got != role {
			http.Error(w, "forbidden: requires role "+role, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
