package httpserver

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminGuard enforces HTTP basic auth on operator endpoints. The password
// is bcrypt-hashed once at construction so the plaintext never lives past
// startup; wire-level auth of operator components otherwise stays with the
// front-end reverse proxy.
type AdminGuard struct {
	username     string
	passwordHash []byte
}

// NewAdminGuard hashes the configured admin credentials. Returns nil when
// credentials are not configured; callers then serve the operator routes
// without basic auth.
func NewAdminGuard(username, password string) (*AdminGuard, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminGuard{username: username, passwordHash: hash}, nil
}

// Middleware rejects requests without valid basic-auth credentials.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(g.username)) != 1 ||
			bcrypt.CompareHashAndPassword(g.passwordHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="contest-core admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
