package middleware

import (
	"net/http"
	"os"
)

// corsHeaders are applied to every response; the allowed origin comes
// from CORS_ALLOWED_ORIGIN so production can pin the dashboard host
// while dev stays open.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, X-Tenant-ID, Authorization, X-AgentFlux-Idempotency-Key",
	"Access-Control-Max-Age":       "3600",
}

// CORSMiddleware answers preflight requests and stamps CORS headers on
// everything else.
func CORSMiddleware(next http.Handler) http.Handler {
	origin := os.Getenv("CORS_ALLOWED_ORIGIN")
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		for k, v := range corsHeaders {
			h.Set(k, v)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
