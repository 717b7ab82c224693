package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// BearerAuth is the AUTH state of the query service's request pipeline
// (§4.1, §4.11): every request to /api/v1/* must carry the configured
// bearer token. Grounded on the teacher's apikey.go constant-time-compare
// idiom, reduced from a multi-key, runtime-mutable key set down to the
// single token Settings owns — this pipeline has no notion of multiple
// API consumers.
type BearerAuth struct {
	token string
}

// NewBearerAuth constructs the AUTH middleware for the given token.
func NewBearerAuth(token string) *BearerAuth {
	return &BearerAuth{token: token}
}

// Middleware enforces the bearer token on non-public paths. Per §6, a
// missing or invalid token yields 401 with a {"detail": "..."} body.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			unauthorized(w, "Authorization header is required")
			return
		}

		candidate := extractBearerToken(r)
		if candidate == "" {
			unauthorized(w, "Invalid authorization header format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) != 1 {
			unauthorized(w, "Invalid authorization header format")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="notekitchen-queryservice"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}
