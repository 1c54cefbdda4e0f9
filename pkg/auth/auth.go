package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// DefaultPublicPaths are served without a token
var DefaultPublicPaths = []string{"/health", "/metrics"}

// KeyChecker validates bearer tokens against either a plain key or a bcrypt
// hash of one
type KeyChecker struct {
	key    string
	hash   []byte
	public map[string]bool
}

// NewKeyChecker returns nil when neither key nor hash is set, meaning
// authentication is off. A hash takes precedence over a plain key.
func NewKeyChecker(key, hash string, publicPaths ...string) (*KeyChecker, error) {
	if key == "" && hash == "" {
		return nil, nil
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if len(publicPaths) == 0 {
		publicPaths = DefaultPublicPaths
	}
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}
	kc := &KeyChecker{key: key, public: public}
	if hash != "" {
		kc.hash = []byte(hash)
		kc.key = ""
	}
	return kc, nil
}

// Validate checks a raw Authorization header value
func (kc *KeyChecker) Validate(header string) error {
	token, ok := BearerToken(header)
	if !ok {
		return ErrMissingToken
	}
	if kc.hash != nil {
		if err := bcrypt.CompareHashAndPassword(kc.hash, []byte(token)); err != nil {
			return ErrInvalidToken
		}
		return nil
	}
	if !SecureCompare(token, kc.key) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests without a valid bearer token. Public paths
// skip the check.
func (kc *KeyChecker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kc.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		switch err := kc.Validate(r.Header.Get("Authorization")); {
		case errors.Is(err, ErrMissingToken):
			w.Header().Set("WWW-Authenticate", `Bearer realm="hellodriver"`)
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		case err != nil:
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from an Authorization header
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// HashKey hashes key for storage in configuration
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
