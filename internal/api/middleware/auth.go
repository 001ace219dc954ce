package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/checkin-nexus/internal/db"
	"gorm.io/gorm"
)

// APIKeyAuth middleware validates the admin API key from the Authorization
// or x-api-key header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expectedKey := db.GetAPIKey(database)
			if expectedKey == "" {
				// InitDB always creates a key; an empty one means the config row is gone.
				unauthorized(w, "API key not configured")
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if keyEqual(strings.TrimPrefix(authHeader, "Bearer "), expectedKey) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if keyEqual(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			unauthorized(w, "Invalid API key")
		})
	}
}

// OptionalAdminAuth requires HTTP basic auth with password when one is set.
func OptionalAdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !keyEqual(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="Checkin Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": {"message": "` + msg + `", "type": "authentication_error"}}`))
}
