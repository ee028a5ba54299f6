package middleware

import (
	"net/http"
	"strings"

	"github.com/cleanwave/pipeline/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth authenticates callers holding one of the configured bearer keys.
// Only bcrypt hashes of the keys are kept in memory.
type Auth struct {
	hashes [][]byte
}

// NewAuth creates a new Auth middleware from bcrypt key hashes.
func NewAuth(hashes []string) *Auth {
	a := &Auth{hashes: make([][]byte, 0, len(hashes))}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Authenticate validates the Bearer token against the configured hashes and
// sets key_prefix in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		if !a.matches(rawKey) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}

		r = r.WithContext(setKeyPrefix(r.Context(), rawKey[:keyPrefixLen]))
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) matches(rawKey string) bool {
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(rawKey)) == nil {
			return true
		}
	}
	return false
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
