package httpmw

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BearerAuth guards operator endpoints. The expected token is stored as
// a bcrypt hash so the config file never carries the cleartext.
type BearerAuth struct {
	hash   []byte
	logger *slog.Logger
}

// NewBearerAuth creates the guard from a bcrypt hash of the operator
// token. An empty hash disables the guard (development mode).
func NewBearerAuth(tokenHash string, logger *slog.Logger) *BearerAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &BearerAuth{hash: []byte(tokenHash), logger: logger}
}

// HashToken produces a bcrypt hash suitable for the config file.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Middleware rejects requests without a valid Bearer token.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.hash) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
			a.logger.Warn("auth: operator request rejected",
				"ip", ExtractIP(r), "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="rased"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(h[:len(prefix)])), []byte("bearer ")) != 1 {
		return "", false
	}
	return h[len(prefix):], true
}
